package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/server"
)

func newOptimizeCmd(opts *options) *cobra.Command {
	var maxBatches int

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the ask/evaluate/tell loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-batches") {
				cfg.Optimization.MaxBatches = maxBatches
			}

			a, err := newApp(cfg, opts.dryRun)
			if err != nil {
				return apperrors.Wrap(err, "initialize").WithOperation("optimize")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.optimize(ctx)
		},
	}

	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 runs until interrupted)")
	return cmd
}

func (a *app) optimize(ctx context.Context) error {
	d, err := a.driver()
	if err != nil {
		return apperrors.Wrap(err, "create driver").WithOperation("optimize").WithCode(apperrors.ExitConfig)
	}
	if err := d.Setup(ctx); err != nil {
		return a.fatal(ctx, err, "setup")
	}

	a.logger.Info("optimization started", map[string]interface{}{
		"tag":      a.cfg.RunTag(),
		"backend":  a.cfg.Optimization.Backend,
		"replicas": a.cfg.Optimization.Replicas,
		"batch":    a.cfg.Optimization.BatchSize,
		"reduced":  a.cfg.Optimization.Reduced,
		"free_dim": a.preset.Space.Dims(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// the status server stops with the loop
		defer cancel()
		return d.Run(gctx, a.cfg.Optimization.MaxBatches)
	})
	if a.cfg.HTTP.Enabled {
		srv := server.NewServer(a.cfg, a.logger, d, a.history, a.registry)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	st := d.Status()
	fields := map[string]interface{}{
		"batches":      st.Batch,
		"observations": st.Observations,
	}
	if st.BestLoss != nil {
		fields["best_loss"] = *st.BestLoss
	}

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.logger.Info("optimization interrupted", fields)
		return nil
	}
	if err != nil {
		return a.fatal(ctx, err, "run")
	}
	a.logger.Info("optimization finished", fields)
	return nil
}

// fatal logs err and wraps it with the exit code it maps to.
func (a *app) fatal(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	code := apperrors.ExitFailure
	switch {
	case errors.Is(err, queue.ErrUnavailable):
		code = apperrors.ExitUnavailable
	case errors.Is(err, optimization.ErrInvalidState):
		code = apperrors.ExitConfig
	}
	wrapped := apperrors.Wrap(err, "optimization stopped").WithOperation(op).WithComponent("driver").WithCode(code)
	a.logger.Error("fatal error", map[string]interface{}{
		"error": err.Error(),
		"stack": wrapped.StackTrace(),
	})
	return wrapped
}
