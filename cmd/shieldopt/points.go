package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
)

func newPointsCmd(opts *options) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "points",
		Short: "Print the point records of a run as JSON lines",
		Long: "Print the point records matching the configured tag, seed, sampling " +
			"and image tag. --tag all matches every run of the image.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cfg, opts.dryRun)
			if err != nil {
				return apperrors.Wrap(err, "initialize").WithOperation("points")
			}

			q := a.query()
			if tag != "" {
				q.Tag = tag
			}
			records, err := a.history.Fetch(cmd.Context(), q)
			if err != nil {
				return a.fatal(cmd.Context(), err, "points")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "run tag to list, or all (default: the configured run tag)")
	return cmd
}
