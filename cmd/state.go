package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspects or resets the persisted crawl state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the crawl-state document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := appInstance.State().Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load crawl state: %w", err)
			}
			return writeJSON(cmd, st)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Rewinds the rotation and clears every cursor",
		Long: `Resets the active source to the first source in the rotation and
clears all cursors and the last error. Counters and statistics are kept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := appInstance.State().Reset(cmd.Context())
			if err != nil {
				return fmt.Errorf("reset crawl state: %w", err)
			}
			return writeJSON(cmd, st)
		},
	})
	return cmd
}
