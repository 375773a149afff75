package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/copyleftdev/shieldopt/internal/config"
	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
	"github.com/copyleftdev/shieldopt/internal/queue"
)

// options are the flags shared by every command.
type options struct {
	configPath    string
	backend       string
	tagSuffix     string
	optSeed       int64
	simSeed       int
	sampling      string
	reduced       bool
	checkpointDir string
	queueURL      string
	dryRun        bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "shieldopt",
		Short:         "Bayesian optimization of the muon shield over a simulation job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bind(root.PersistentFlags())
	root.AddCommand(newOptimizeCmd(opts), newOneshotCmd(opts), newPointsCmd(opts))
	return root
}

func (o *options) bind(f *pflag.FlagSet) {
	f.StringVar(&o.configPath, "config", "", "YAML file overlaid on the environment")
	f.StringVar(&o.backend, "backend", "rf", "surrogate backend (rf, gbrt, gp, dummy)")
	f.StringVar(&o.tagSuffix, "tag-suffix", "test", "suffix appended to the run tag")
	f.Int64Var(&o.optSeed, "opt-seed", 1, "optimizer random seed")
	f.IntVar(&o.simSeed, "sim-seed", 1, "simulation seed passed to every replica")
	f.StringVar(&o.sampling, "sampling", "37", "muon sampling id or IS")
	f.BoolVar(&o.reduced, "reduced", false, "optimize the reduced one-dimensional preset")
	f.StringVar(&o.checkpointDir, "checkpoint-dir", "checkpoints", "directory holding optimizer checkpoints")
	f.StringVar(&o.queueURL, "queue-url", "", "base URL of the job queue")
	f.BoolVar(&o.dryRun, "dry-run", false, "evaluate against an in-process queue with a synthetic simulator")
}

// load builds the configuration: defaults, environment, the YAML file,
// then the flags set explicitly on the command line.
func (o *options) load(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, apperrors.Wrap(err, "load configuration").WithCode(apperrors.ExitConfig)
	}

	if flags.Changed("backend") {
		cfg.Optimization.Backend = o.backend
	}
	if flags.Changed("tag-suffix") {
		cfg.Optimization.TagSuffix = o.tagSuffix
	}
	if flags.Changed("opt-seed") {
		cfg.Optimization.RandomSeed = o.optSeed
	}
	if flags.Changed("sim-seed") {
		cfg.Optimization.SimSeed = o.simSeed
	}
	if flags.Changed("sampling") {
		s, err := queue.ParseSampling(o.sampling)
		if err != nil {
			return nil, apperrors.Wrap(err, "invalid --sampling").WithCode(apperrors.ExitConfig)
		}
		cfg.Optimization.Sampling = s
	}
	if flags.Changed("reduced") {
		cfg.Optimization.Reduced = o.reduced
	}
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.Dir = o.checkpointDir
	}
	if flags.Changed("queue-url") {
		cfg.Queue.URL = o.queueURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, "invalid configuration").WithCode(apperrors.ExitConfig)
	}
	return cfg, nil
}
