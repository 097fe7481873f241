// Package orchestrator runs the time-boxed harvest loop: it rotates across
// catalog sources, pushes every fetched candidate through dedup, validation
// and persistence, and checkpoints the crawl cursor as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/metrics"
	"github.com/JakeFAU/kibble-harvester/internal/validate"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultSafetyMargin      = 60 * time.Second
	DefaultPageSize          = 50
	DefaultCheckpointEvery   = 10
	DefaultRequestDelay      = time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxSourceFailures = 3
	DefaultSubmissions       = "submissions"
)

const tracerName = "github.com/JakeFAU/kibble-harvester/internal/orchestrator"

// Config controls Orchestrator behavior.
type Config struct {
	SafetyMargin      time.Duration
	PageSize          int
	CheckpointEvery   int
	RequestDelay      time.Duration
	RetryDelay        time.Duration
	MaxSourceFailures int
	Submissions       string
	NotifyTopic       string
	ArchivePrefix     string
}

func (c Config) withDefaults() Config {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxSourceFailures <= 0 {
		c.MaxSourceFailures = DefaultMaxSourceFailures
	}
	if c.Submissions == "" {
		c.Submissions = DefaultSubmissions
	}
	return c
}

// StateStore loads and saves the crawl-state singleton.
type StateStore interface {
	Load(ctx context.Context) (crawler.CrawlState, error)
	Save(ctx context.Context, st crawler.CrawlState) error
}

// Deduplicator answers whether an external id is already queued.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, externalID string) (bool, error)
	AddToCache(externalID string)
}

// SimilarityIndex is a long-lived similarity lookup whose per-brand listing
// must be dropped once a submission for that brand is persisted.
type SimilarityIndex interface {
	ForgetBrand(brand string)
}

// DedupFactory returns a deduplicator with an empty session cache.
type DedupFactory func() Deduplicator

// Validator is the data-quality gate.
type Validator interface {
	Validate(c crawler.CandidateProduct) validate.Result
}

// Dependencies groups the collaborators of an Orchestrator. Publisher,
// Archive and Similar are optional.
type Dependencies struct {
	Rotation  crawler.Rotation
	Sources   map[crawler.SourceName]crawler.Source
	State     StateStore
	NewDedup  DedupFactory
	Validator Validator
	Documents crawler.DocumentStore
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Publisher crawler.Publisher
	Archive   crawler.BlobStore
	Similar   SimilarityIndex
}

// Orchestrator executes harvest runs. Runs are serialized; the crawl state
// assumes a single writer.
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	mu     sync.Mutex
}

// New constructs an Orchestrator.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if len(deps.Rotation) == 0 {
		return nil, errors.New("rotation is empty")
	}
	for _, name := range deps.Rotation {
		if deps.Sources[name] == nil {
			return nil, fmt.Errorf("no parser registered for source %q", name)
		}
	}
	switch {
	case deps.State == nil:
		return nil, errors.New("state store is required")
	case deps.NewDedup == nil:
		return nil, errors.New("dedup factory is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Documents == nil:
		return nil, errors.New("document store is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("orchestrator"),
	}, nil
}

// Run harvests until the time budget, the product cap or the sources run out.
// A maxProducts of zero or less means no cap.
func (o *Orchestrator) Run(ctx context.Context, budget time.Duration, maxProducts int) crawler.RunSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, budget, maxProducts)
}

// TryRun is Run that returns false immediately when another run is active.
func (o *Orchestrator) TryRun(ctx context.Context, budget time.Duration, maxProducts int) (crawler.RunSummary, bool) {
	if !o.mu.TryLock() {
		return crawler.RunSummary{}, false
	}
	defer o.mu.Unlock()
	return o.run(ctx, budget, maxProducts), true
}

// TryExclusive runs fn while holding the run lock, so fn never overlaps a
// harvest. It reports false without calling fn when a run is active.
func (o *Orchestrator) TryExclusive(fn func()) bool {
	if !o.mu.TryLock() {
		return false
	}
	defer o.mu.Unlock()
	fn()
	return true
}

// session is the mutable bookkeeping of one run.
type session struct {
	id          string
	start       time.Time
	deadline    time.Time
	maxProducts int
	dedup       Deduplicator

	processed  int
	duplicates int
	errors     int
	skipped    int

	sinceCheckpoint int
	zeroStreak      int
	failures        map[crawler.SourceName]int
	worked          bool
}

var errStateSave = errors.New("crawl state checkpoint failed")

func (o *Orchestrator) run(ctx context.Context, budget time.Duration, maxProducts int) crawler.RunSummary {
	start := o.deps.Clock.Now()
	sessionID, err := o.deps.IDs.NewID()
	if err != nil {
		return o.failed(start, "", fmt.Sprintf("generate session id: %v", err))
	}
	logger := o.logger.With(zap.String("session_id", sessionID))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("harvest.session_id", sessionID),
		attribute.Int("harvest.max_products", maxProducts),
		attribute.Int64("harvest.budget_ms", budget.Milliseconds()),
	))
	defer span.End()

	st, err := o.deps.State.Load(ctx)
	if err != nil {
		logger.Error("load crawl state failed", zap.Error(err))
		return o.failed(start, sessionID, fmt.Sprintf("load crawl state: %v", err))
	}
	if !o.deps.Rotation.Contains(st.ActiveSource) {
		st.ActiveSource = o.deps.Rotation.First()
	}

	s := &session{
		id:          sessionID,
		start:       start,
		deadline:    start.Add(budget),
		maxProducts: maxProducts,
		dedup:       o.deps.NewDedup(),
		failures:    make(map[crawler.SourceName]int),
	}
	logger.Info("harvest run starting",
		zap.Duration("budget", budget),
		zap.Int("max_products", maxProducts),
		zap.String("active_source", string(st.ActiveSource)),
		zap.Int64("total_processed", st.TotalProcessed),
	)

	stop, loopErr := o.loop(ctx, s, &st, logger)

	success := loopErr == nil
	if s.worked {
		now := o.deps.Clock.Now()
		st.LastRunAt = &now
		st.Statistics.Runs++
		if err := o.deps.State.Save(context.WithoutCancel(ctx), st); err != nil {
			logger.Error("final crawl state save failed", zap.Error(err))
			success = false
			stop = crawler.StopStateError
			if loopErr == nil {
				loopErr = err
			}
		}
	}
	var message string
	if loopErr != nil {
		message = fmt.Sprintf("run aborted: %v", loopErr)
	} else {
		message = fmt.Sprintf("processed %d, duplicates %d, errors %d, skipped %d; stopped on %s",
			s.processed, s.duplicates, s.errors, s.skipped, stop)
	}

	summary := crawler.RunSummary{
		Success:      success,
		SessionID:    sessionID,
		DurationMs:   o.deps.Clock.Now().Sub(start).Milliseconds(),
		Processed:    s.processed,
		Duplicates:   s.duplicates,
		Errors:       s.errors,
		Skipped:      s.skipped,
		Message:      message,
		StopReason:   stop,
		ActiveSource: st.ActiveSource,
		StartedAt:    start,
	}
	if s.worked {
		o.archive(context.WithoutCancel(ctx), summary, logger)
	}
	metrics.ObserveRun(summary.Success, o.deps.Clock.Now().Sub(start))
	span.SetAttributes(
		attribute.String("harvest.stop_reason", string(stop)),
		attribute.Int("harvest.processed", s.processed),
		attribute.Int("harvest.duplicates", s.duplicates),
	)
	if !summary.Success {
		span.SetStatus(codes.Error, message)
	}
	logger.Info("harvest run finished",
		zap.Bool("success", summary.Success),
		zap.String("stop_reason", string(stop)),
		zap.Int("processed", s.processed),
		zap.Int("duplicates", s.duplicates),
		zap.Int("errors", s.errors),
		zap.Int("skipped", s.skipped),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return summary
}

// loop is the scheduling loop. It returns the stop reason and, for a fatal
// state failure, the error.
func (o *Orchestrator) loop(
	ctx context.Context,
	s *session,
	st *crawler.CrawlState,
	logger *zap.Logger,
) (crawler.StopReason, error) {
	names := make([]string, 0, len(o.deps.Rotation))
	for _, n := range o.deps.Rotation {
		names = append(names, string(n))
	}
	for {
		if reason, done := o.shouldStop(ctx, s); done {
			return reason, nil
		}

		active := st.ActiveSource
		metrics.SetActiveSource(string(active), names)
		src := o.deps.Sources[active]
		s.worked = true

		page, err := o.fetch(ctx, src, active, st.CursorFor(active))
		if err != nil {
			if ctx.Err() != nil {
				return crawler.StopCanceled, nil
			}
			o.recordFetchFailure(s, st, active, err, logger)
			o.pause(ctx, s, o.cfg.RetryDelay)
			continue
		}
		s.failures[active] = 0

		stats := st.Statistics.Source(active)
		stats.Pages++
		stats.Fetched += int64(len(page.Records))
		st.Statistics.SetSource(active, stats)

		if len(page.Records) == 0 {
			metrics.ObserveFetch(string(active), metrics.FetchEmpty)
			logger.Info("source yielded no records; rotating", zap.String("source", string(active)))
			o.rotate(s, st, active)
			o.pause(ctx, s, o.cfg.RequestDelay)
			continue
		}
		metrics.ObserveFetch(string(active), metrics.FetchOK)
		s.zeroStreak = 0

		reason, completed, err := o.processPage(ctx, s, st, active, page.Records, logger)
		if err != nil {
			return crawler.StopStateError, err
		}
		if completed {
			st.SetCursor(active, page.Next)
		}
		if reason != "" {
			return reason, nil
		}
		o.pause(ctx, s, o.cfg.RequestDelay)
	}
}

func (o *Orchestrator) fetch(
	ctx context.Context,
	src crawler.Source,
	name crawler.SourceName,
	cur crawler.Cursor,
) (crawler.Page, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.fetch_page", trace.WithAttributes(
		attribute.String("harvest.source", string(name)),
		attribute.Int("harvest.cursor.page", cur.Page),
	))
	defer span.End()

	page, err := src.Fetch(ctx, cur, o.cfg.PageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return page, err
	}
	span.SetAttributes(attribute.Int("harvest.records", len(page.Records)))
	return page, nil
}

// shouldStop evaluates every exit condition that is checked before new work.
func (o *Orchestrator) shouldStop(ctx context.Context, s *session) (crawler.StopReason, bool) {
	if ctx.Err() != nil {
		return crawler.StopCanceled, true
	}
	if s.deadline.Sub(o.deps.Clock.Now()) < o.cfg.SafetyMargin {
		return crawler.StopTimeBudget, true
	}
	if s.maxProducts > 0 && s.processed >= s.maxProducts {
		return crawler.StopProductCap, true
	}
	if s.zeroStreak >= len(o.deps.Rotation) {
		return crawler.StopSourcesExhausted, true
	}
	return "", false
}

// processPage handles records in fetch order. completed reports whether the
// whole page was handled, which is the only case where the cursor advances.
func (o *Orchestrator) processPage(
	ctx context.Context,
	s *session,
	st *crawler.CrawlState,
	source crawler.SourceName,
	records []crawler.CandidateProduct,
	logger *zap.Logger,
) (crawler.StopReason, bool, error) {
	for i, c := range records {
		if reason, done := o.shouldStop(ctx, s); done {
			logger.Info("stopping mid-page",
				zap.String("source", string(source)),
				zap.String("reason", string(reason)),
				zap.Int("handled", i),
				zap.Int("page_records", len(records)),
			)
			return reason, false, nil
		}
		// Once started, a record always runs to completion.
		if err := o.processRecord(context.WithoutCancel(ctx), s, st, source, c, logger); err != nil {
			return "", false, err
		}
	}
	return "", true, nil
}

func (o *Orchestrator) processRecord(
	ctx context.Context,
	s *session,
	st *crawler.CrawlState,
	source crawler.SourceName,
	c crawler.CandidateProduct,
	logger *zap.Logger,
) error {
	stats := st.Statistics.Source(source)
	defer func() { st.Statistics.SetSource(source, stats) }()

	if c.ExternalID == "" {
		s.skipped++
		st.Statistics.Outcomes.Skipped++
		metrics.ObserveRecord(string(source), metrics.OutcomeSkipped)
		logger.Debug("skipping record without external id", zap.String("source", string(source)), zap.String("name", c.Name))
		return nil
	}
	fields := []zap.Field{zap.String("source", string(source)), zap.String("external_id", c.ExternalID)}

	dup, err := s.dedup.IsDuplicate(ctx, c.ExternalID)
	if err != nil {
		s.errors++
		stats.Errors++
		st.Statistics.Outcomes.PersistFailed++
		metrics.ObserveRecord(string(source), metrics.OutcomePersistFailed)
		logger.Warn("duplicate lookup failed", append(fields, zap.Error(err))...)
		return nil
	}
	if dup {
		s.duplicates++
		stats.Duplicates++
		st.Statistics.Outcomes.Duplicates++
		metrics.ObserveRecord(string(source), metrics.OutcomeDuplicate)
		logger.Debug("duplicate record", fields...)
		return nil
	}

	if res := o.deps.Validator.Validate(c); !res.Valid {
		s.errors++
		stats.Errors++
		st.Statistics.Outcomes.Invalid++
		metrics.ObserveRecord(string(source), metrics.OutcomeInvalid)
		logger.Info("record rejected", append(fields, zap.Strings("reasons", res.Errors))...)
		return nil
	}

	rec, docID, err := o.persist(ctx, s, source, c)
	if err != nil {
		s.errors++
		stats.Errors++
		st.Statistics.Outcomes.PersistFailed++
		metrics.ObserveRecord(string(source), metrics.OutcomePersistFailed)
		logger.Warn("persist submission failed", append(fields, zap.Error(err))...)
		return nil
	}

	s.dedup.AddToCache(c.ExternalID)
	if o.deps.Similar != nil {
		o.deps.Similar.ForgetBrand(c.Brand)
	}
	s.processed++
	stats.Processed++
	st.Statistics.Outcomes.Processed++
	st.TotalProcessed++
	st.LastSeenExternalID = c.ExternalID
	metrics.ObserveRecord(string(source), metrics.OutcomeProcessed)
	logger.Debug("submission queued", append(fields, zap.String("submission_id", docID))...)

	o.notify(ctx, rec, docID, logger)

	s.sinceCheckpoint++
	if s.sinceCheckpoint >= o.cfg.CheckpointEvery {
		st.Statistics.SetSource(source, stats)
		if err := o.deps.State.Save(ctx, *st); err != nil {
			logger.Error("checkpoint failed", zap.Error(err))
			return fmt.Errorf("%w: %w", errStateSave, err)
		}
		s.sinceCheckpoint = 0
		metrics.ObserveCheckpoint()
		logger.Debug("checkpoint saved", zap.Int64("total_processed", st.TotalProcessed))
	}
	return nil
}

func (o *Orchestrator) persist(
	ctx context.Context,
	s *session,
	source crawler.SourceName,
	c crawler.CandidateProduct,
) (crawler.SubmissionRecord, string, error) {
	docID, err := o.deps.IDs.NewID()
	if err != nil {
		return crawler.SubmissionRecord{}, "", fmt.Errorf("generate submission id: %w", err)
	}
	rec := crawler.SubmissionRecord{
		CandidateProduct: c,
		Status:           crawler.StatusPending,
		SubmittedAt:      o.deps.Clock.Now(),
		CrawlSessionID:   s.id,
		Source:           source,
	}
	if _, err := o.deps.Documents.CreateDocument(ctx, o.cfg.Submissions, docID, crawler.SubmissionFields(rec)); err != nil {
		return crawler.SubmissionRecord{}, "", fmt.Errorf("create submission: %w", err)
	}
	return rec, docID, nil
}

func (o *Orchestrator) recordFetchFailure(
	s *session,
	st *crawler.CrawlState,
	source crawler.SourceName,
	err error,
	logger *zap.Logger,
) {
	now := o.deps.Clock.Now()
	st.LastError = err.Error()
	st.LastErrorAt = &now
	stats := st.Statistics.Source(source)
	stats.FetchErrors++
	st.Statistics.SetSource(source, stats)
	metrics.ObserveFetch(string(source), metrics.FetchError)

	s.failures[source]++
	logger.Warn("source fetch failed",
		zap.String("source", string(source)),
		zap.Int("consecutive_failures", s.failures[source]),
		zap.Bool("status_error", crawler.IsStatusError(err)),
		zap.Error(err),
	)
	if s.failures[source] >= o.cfg.MaxSourceFailures {
		s.failures[source] = 0
		o.rotate(s, st, source)
	}
}

// rotate moves to the next source after a zero yield and clears the transient
// part of the drained source's cursor.
func (o *Orchestrator) rotate(s *session, st *crawler.CrawlState, from crawler.SourceName) {
	s.zeroStreak++
	cur := st.CursorFor(from)
	if cur.LastKey != "" {
		cur.LastKey = ""
		st.SetCursor(from, cur)
	}
	st.ActiveSource = o.deps.Rotation.Next(from, true)
}

// pause sleeps for d, clipped so it never runs past the deadline.
func (o *Orchestrator) pause(ctx context.Context, s *session, d time.Duration) {
	if d <= 0 {
		return
	}
	if remaining := s.deadline.Sub(o.deps.Clock.Now()); remaining < d {
		d = remaining
	}
	if d > 0 {
		o.deps.Clock.Sleep(ctx, d)
	}
}

func (o *Orchestrator) failed(start time.Time, sessionID, message string) crawler.RunSummary {
	now := o.deps.Clock.Now()
	metrics.ObserveRun(false, now.Sub(start))
	return crawler.RunSummary{
		Success:    false,
		SessionID:  sessionID,
		DurationMs: now.Sub(start).Milliseconds(),
		Message:    message,
		StopReason: crawler.StopStateError,
		StartedAt:  start,
	}
}
