package main

import (
	"encoding/json"
	"math/rand"

	"github.com/spf13/cobra"

	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
	"github.com/copyleftdev/shieldopt/internal/orchestrator"
)

func newOneshotCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "oneshot",
		Short: "Evaluate one random design end to end and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cfg, opts.dryRun)
			if err != nil {
				return apperrors.Wrap(err, "initialize").WithOperation("oneshot")
			}

			rng := rand.New(rand.NewSource(cfg.Optimization.RandomSeed))
			free := a.preset.Space.Sample(rng, 1)[0]
			point, err := a.preset.Codec.Restore(free)
			if err != nil {
				return err
			}

			evals, err := a.evaluator.Evaluate(cmd.Context(), []orchestrator.Candidate{a.candidate(point)})
			if err != nil {
				return a.fatal(cmd.Context(), err, "oneshot")
			}
			if evals[0].Err != nil {
				return apperrors.Wrap(evals[0].Err, "evaluation failed").WithOperation("oneshot")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(evals[0].Result)
		},
	}
}
