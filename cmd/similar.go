package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newSimilarCmd() *cobra.Command {
	var name, brand string
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Lists pending or approved submissions similar to a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" || brand == "" {
				return errors.New("both --name and --brand are required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			matches, err := appInstance.Dedup().FindSimilarProducts(cmd.Context(), name, brand)
			if err != nil {
				return fmt.Errorf("find similar products: %w", err)
			}
			return writeJSON(cmd, matches)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&brand, "brand", "", "brand name")
	return cmd
}

func newDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates EXTERNAL_ID...",
		Short: "Reports which external ids are already submitted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			found, err := appInstance.Dedup().BatchCheckDuplicates(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("check duplicates: %w", err)
			}
			return writeJSON(cmd, found)
		},
	}
}
