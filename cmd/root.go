// Package cmd defines and implements the CLI commands for the kibble-harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/kibble-harvester/internal/api"
	"github.com/JakeFAU/kibble-harvester/internal/app"
	"github.com/JakeFAU/kibble-harvester/internal/config"
	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/logging"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface the commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context, budget time.Duration, maxProducts int) crawler.RunSummary
	State() api.StateManager
	Dedup() api.DuplicateFinder
	Serve(ctx context.Context) error
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// rootState carries what PersistentPreRunE resolved for the subcommands.
type rootState struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	st := &rootState{}
	cmd := &cobra.Command{
		Use:   "kibble-harvester",
		Short: "Harvests pet food product records from public catalogs.",
		Long: `kibble-harvester pulls product records from a rotation of public
catalogs, validates their guaranteed analysis, drops duplicates and queues
the rest as pending submissions. Each run resumes from a persisted cursor
and stops on a time budget or product cap.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(st.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			st.cfg = cfg
			st.logger = logger

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if st.logger != nil {
				_ = st.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&st.cfgFile, "config", "", "config file (YAML); HARVESTER_* env vars override it")

	cmd.AddCommand(newRunCmd(st))
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newSimilarCmd())
	cmd.AddCommand(newDuplicatesCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, errors.New("command context missing")
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
