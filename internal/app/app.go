// Package app builds every long-lived collaborator from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/api"
	"github.com/JakeFAU/kibble-harvester/internal/clock/system"
	"github.com/JakeFAU/kibble-harvester/internal/config"
	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/dedup"
	collyfetcher "github.com/JakeFAU/kibble-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/kibble-harvester/internal/id/uuid"
	"github.com/JakeFAU/kibble-harvester/internal/metrics"
	"github.com/JakeFAU/kibble-harvester/internal/orchestrator"
	"github.com/JakeFAU/kibble-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/kibble-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/kibble-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/kibble-harvester/internal/source"
	"github.com/JakeFAU/kibble-harvester/internal/state"
	"github.com/JakeFAU/kibble-harvester/internal/telemetry"
	gcsstorage "github.com/JakeFAU/kibble-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/kibble-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/kibble-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/kibble-harvester/internal/storage/postgres"
	"github.com/JakeFAU/kibble-harvester/internal/validate"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	documents    crawler.DocumentStore
	state        *state.Store
	dedup        *dedup.Service
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	pgStore      *pgstore.DocumentStore
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. On error it releases anything
// it already opened.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rotation, err := cfg.Harvest.Rotation()
	if err != nil {
		return nil, fmt.Errorf("harvest rotation: %w", err)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("notify", cfg.Notify.Driver),
		zap.Strings("sources", cfg.Harvest.Sources),
	)

	if cfg.Telemetry.Tracing {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}
	if err = app.setupDocuments(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.Burst,
	})
	client := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	}, limiter)
	sources, err := source.BuildAll(rotation, source.Settings{
		OpenPetFoodFactsURL:      cfg.Sources.OpenPetFoodFacts.BaseURL,
		OpenPetFoodFactsCategory: cfg.Sources.OpenPetFoodFacts.Category,
		OpenFoodFactsURL:         cfg.Sources.OpenFoodFacts.BaseURL,
		OpenFoodFactsCategory:    cfg.Sources.OpenFoodFacts.Category,
		CatalogFeedURL:           cfg.Sources.CatalogFeed.URL,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("build sources: %w", err)
	}

	app.state = state.NewStore(app.documents, cfg.Collections.CrawlState, cfg.Harvest.PipelineID, rotation, logger)
	app.dedup = app.newDedup()

	app.orchestrator, err = orchestrator.New(orchestrator.Dependencies{
		Rotation:  rotation,
		Sources:   sources,
		State:     app.state,
		NewDedup:  func() orchestrator.Deduplicator { return app.newDedup() },
		Validator: validate.New(),
		Documents: app.documents,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Publisher: publisher,
		Archive:   archive,
		Similar:   app.dedup,
	}, orchestrator.Config{
		SafetyMargin:      cfg.Harvest.SafetyMargin,
		PageSize:          cfg.Harvest.PageSize,
		CheckpointEvery:   cfg.Harvest.CheckpointEvery,
		RequestDelay:      cfg.Harvest.RequestDelay,
		RetryDelay:        cfg.Harvest.RetryDelay,
		MaxSourceFailures: cfg.Harvest.MaxSourceFailures,
		Submissions:       cfg.Collections.Submissions,
		NotifyTopic:       notifyTopic(cfg.Notify),
		ArchivePrefix:     cfg.Archive.Prefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.orchestrator, app.state, app.dedup, api.Options{
		Budget:      cfg.Harvest.TimeBudget,
		MaxProducts: cfg.Harvest.MaxProducts,
		Auth:        cfg.Auth,
		Ready:       app.Ready,
	}, logger.Named("api"))

	metrics.Init()
	names := make([]string, 0, len(rotation))
	for _, n := range rotation {
		names = append(names, string(n))
	}
	if st, loadErr := app.state.Load(ctx); loadErr == nil {
		metrics.SetActiveSource(string(st.ActiveSource), names)
	} else {
		logger.Warn("initial state load failed", zap.Error(loadErr))
	}
	return app, nil
}

func (a *App) newDedup() *dedup.Service {
	return dedup.NewService(a.documents, a.cfg.Collections.Submissions,
		dedup.WithCacheSize(a.cfg.Harvest.DedupCacheSize),
		dedup.WithSimilarityThreshold(a.cfg.Harvest.SimilarityThreshold),
		dedup.WithLogger(a.logger),
	)
}

func notifyTopic(cfg config.NotifyConfig) string {
	if cfg.Driver == config.DriverNone || cfg.Driver == "" {
		return ""
	}
	return cfg.Topic
}

func (a *App) setupDocuments(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pgCfg := a.cfg.Store.Postgres
		store, err := pgstore.NewDocumentStore(ctx, pgstore.Config{
			DSN:             pgCfg.DSN,
			Table:           pgCfg.Table,
			MaxConns:        pgCfg.MaxConns,
			MinConns:        pgCfg.MinConns,
			MaxConnLifetime: pgCfg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres document store init failed: %w", err)
		}
		a.pgStore = store
		a.documents = store
		if pgCfg.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		a.logger.Info("using postgres document store", zap.String("table", pgCfg.Table))
	default:
		a.documents = memorystorage.NewDocumentStore()
		a.logger.Warn("using in-memory document store; state will not survive restarts")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Driver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:   a.cfg.Archive.GCSBucket,
			Metadata: map[string]string{"pipeline": a.cfg.Harvest.PipelineID},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving run reports to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.DriverLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving run reports locally", zap.String("dir", a.cfg.Archive.LocalDir))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Notify.Driver {
	case config.DriverPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPub = gcppublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return a.pubsubPub, nil
	case config.DriverMemory:
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

// Run executes one harvest with the given budget and product cap.
func (a *App) Run(ctx context.Context, budget time.Duration, maxProducts int) crawler.RunSummary {
	return a.orchestrator.Run(ctx, budget, maxProducts)
}

// State exposes the crawl state store.
func (a *App) State() api.StateManager {
	return a.state
}

// Dedup exposes the long-lived dedup service used for advisory lookups.
func (a *App) Dedup() api.DuplicateFinder {
	return a.dedup
}

// Orchestrator exposes the harvest orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Ready reports whether the document store is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Ping(ctx)
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every client the App opened.
func (a *App) Close() {
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
