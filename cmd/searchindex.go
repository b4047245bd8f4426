package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var searchIndexBatch int

var searchIndexCmd = &cobra.Command{
	Use:   "searchindex",
	Short: "Maintain the company and person search index",
}

var searchIndexRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fill missing search entries",
	Long:  "Fills the search entry of every company and person that lacks one, in batches.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		n, err := st.RefreshSearchIndex(ctx, searchIndexBatch)
		if err != nil {
			return eris.Wrap(err, "searchindex refresh")
		}

		zap.L().Info("search index refreshed", zap.Int64("rows", n))
		return nil
	},
}

func init() {
	searchIndexRefreshCmd.Flags().IntVar(&searchIndexBatch, "batch", 1000, "rows updated per statement")
	searchIndexCmd.AddCommand(searchIndexRefreshCmd)
	rootCmd.AddCommand(searchIndexCmd)
}
