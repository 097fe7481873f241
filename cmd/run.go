package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// errRunFailed is returned when the run summary reports failure.
var errRunFailed = errors.New("harvest run failed")

func newRunCmd(st *rootState) *cobra.Command {
	var (
		budget      time.Duration
		maxProducts int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one bounded harvest and prints its summary",
		Long: `Runs a single harvest invocation. The run resumes from the persisted
crawl state, stops when the time budget or product cap is reached, and prints
the run summary as JSON. The exit status is non-zero when the run fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("budget") {
				budget = st.cfg.Harvest.TimeBudget
			}
			if !cmd.Flags().Changed("max-products") {
				maxProducts = st.cfg.Harvest.MaxProducts
			}
			if budget <= 0 {
				return fmt.Errorf("budget must be positive, got %s", budget)
			}
			if maxProducts <= 0 {
				return fmt.Errorf("max-products must be positive, got %d", maxProducts)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary := appInstance.Run(ctx, budget, maxProducts)
			if err := writeJSON(cmd, summary); err != nil {
				return err
			}
			if !summary.Success {
				return fmt.Errorf("%w: %s", errRunFailed, summary.Message)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "wall-clock budget for the run (defaults to harvest.time_budget)")
	cmd.Flags().IntVar(&maxProducts, "max-products", 0, "maximum submissions to persist (defaults to harvest.max_products)")
	return cmd
}
