package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/optimization/acquisition"
	"github.com/copyleftdev/shieldopt/internal/optimization/bayesian"
	"github.com/copyleftdev/shieldopt/internal/orchestrator"
	"github.com/copyleftdev/shieldopt/internal/queue"
)

type Config struct {
	Environment string         `env:"ENV" envDefault:"development" yaml:"environment"`
	Logging     logging.Config `envPrefix:"LOG_" yaml:"logging"`
	HTTP        struct {
		Enabled         bool          `env:"HTTP_ENABLED" envDefault:"true" yaml:"enabled"`
		Port            int           `env:"HTTP_PORT" envDefault:"9090" yaml:"port"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s" yaml:"read_timeout"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s" yaml:"write_timeout"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s" yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s" yaml:"shutdown_timeout"`
	} `yaml:"http"`
	Queue struct {
		URL             string        `env:"QUEUE_URL" envDefault:"http://localhost:50051" yaml:"url"`
		Timeout         time.Duration `env:"QUEUE_TIMEOUT" envDefault:"30s" yaml:"timeout"`
		RetryBase       time.Duration `env:"QUEUE_RETRY_BASE" envDefault:"1s" yaml:"retry_base"`
		RetryMax        time.Duration `env:"QUEUE_RETRY_MAX" envDefault:"1m" yaml:"retry_max"`
		MaxOutage       time.Duration `env:"QUEUE_MAX_OUTAGE" envDefault:"30m" yaml:"max_outage"`
		PollConcurrency int           `env:"QUEUE_POLL_CONCURRENCY" envDefault:"32" yaml:"poll_concurrency"`
		HistoryLimit    int           `env:"QUEUE_HISTORY_LIMIT" envDefault:"1000" yaml:"history_limit"`
	} `yaml:"queue"`
	Job struct {
		Image       string   `env:"JOB_IMAGE" envDefault:"olantwin/ship-shield" yaml:"image"`
		ImageTag    string   `env:"JOB_IMAGE_TAG" envDefault:"20171129_T1" yaml:"image_tag"`
		Volumes     []string `env:"JOB_VOLUMES" envDefault:"/home/sashab1/ship-shield:/shield,/home/sashab1/ship/shared:/shared" yaml:"volumes"`
		CPUNeeded   int      `env:"JOB_CPU_NEEDED" envDefault:"1" yaml:"cpu_needed"`
		MaxMemoryMB int      `env:"JOB_MAX_MEMORY_MB" envDefault:"1024" yaml:"max_memory_mb"`
		MinMemoryMB int      `env:"JOB_MIN_MEMORY_MB" envDefault:"512" yaml:"min_memory_mb"`
		RunID       string   `env:"JOB_RUN_ID" envDefault:"near_run3" yaml:"run_id"`
		OutputURI   string   `env:"JOB_OUTPUT_URI" envDefault:"host:/srv/local/skygrid-local-storage/$JOB_ID" yaml:"output_uri"`
		WorkerFiles string   `env:"JOB_WORKER_FILES" envDefault:"/shield/worker_files" yaml:"worker_files"`
	} `yaml:"job"`
	Optimization struct {
		Backend         string         `env:"OPT_BACKEND" envDefault:"rf" yaml:"backend"`
		Tag             string         `env:"OPT_TAG" envDefault:"discrete3" yaml:"tag"`
		TagSuffix       string         `env:"OPT_TAG_SUFFIX" envDefault:"test" yaml:"tag_suffix"`
		RandomSeed      int64          `env:"OPT_RANDOM_SEED" envDefault:"1" yaml:"random_seed"`
		SimSeed         int            `env:"OPT_SIM_SEED" envDefault:"1" yaml:"sim_seed"`
		Sampling        queue.Sampling `env:"OPT_SAMPLING" envDefault:"37" yaml:"sampling"`
		Reduced         bool           `env:"OPT_REDUCED" envDefault:"false" yaml:"reduced"`
		Replicas        int            `env:"OPT_REPLICAS" envDefault:"16" yaml:"replicas"`
		BatchSize       int            `env:"OPT_BATCH_SIZE" envDefault:"1" yaml:"batch_size"`
		MinRandomStarts int            `env:"OPT_MIN_RANDOM_STARTS" envDefault:"10" yaml:"min_random_starts"`
		PollInterval    time.Duration  `env:"OPT_POLL_INTERVAL" envDefault:"60s" yaml:"poll_interval"`
		WaitCeiling     time.Duration  `env:"OPT_WAIT_CEILING" envDefault:"6h" yaml:"wait_ceiling"`
		Candidates      int            `env:"OPT_CANDIDATES" envDefault:"1000" yaml:"candidates"`
		Liar            string         `env:"OPT_LIAR" envDefault:"cl_mean" yaml:"liar"`
		Acquisition     string         `env:"OPT_ACQUISITION" envDefault:"ei" yaml:"acquisition"`
		WarmStart       bool           `env:"OPT_WARM_START" envDefault:"true" yaml:"warm_start"`
		MaxBatches      int            `env:"OPT_MAX_BATCHES" envDefault:"0" yaml:"max_batches"`
	} `yaml:"optimization"`
	Checkpoint struct {
		Dir string `env:"CHECKPOINT_DIR" envDefault:"checkpoints" yaml:"dir"`
	} `yaml:"checkpoint"`
}

// Load reads the configuration from the environment and, when path is not
// empty, overlays the YAML file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config yaml: %w", err)
		}
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

// RunTag is the tag records of this run are filed under:
// <tag>_<backend>[_<suffix>], so each surrogate keeps its own history.
func (c *Config) RunTag() string {
	tag := c.Optimization.Tag + "_" + c.Optimization.Backend
	if c.Optimization.TagSuffix == "" {
		return tag
	}
	return tag + "_" + c.Optimization.TagSuffix
}

// JobTemplate returns the simulation container settings.
func (c *Config) JobTemplate() orchestrator.JobTemplate {
	return orchestrator.JobTemplate{
		Image:       c.Job.Image,
		ImageTag:    c.Job.ImageTag,
		Volumes:     append([]string(nil), c.Job.Volumes...),
		CPUNeeded:   c.Job.CPUNeeded,
		MaxMemoryMB: c.Job.MaxMemoryMB,
		MinMemoryMB: c.Job.MinMemoryMB,
		RunID:       c.Job.RunID,
		OutputURI:   c.Job.OutputURI,
		WorkerFiles: c.Job.WorkerFiles,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	o := c.Optimization

	known := false
	for _, b := range bayesian.Backends {
		known = known || b == o.Backend
	}
	if !known {
		errs = append(errs, fmt.Errorf("unknown backend %q, want one of %v", o.Backend, bayesian.Backends))
	}
	switch o.Liar {
	case bayesian.LiarMean, bayesian.LiarMin, bayesian.LiarMax, bayesian.LiarKrigingBeliever:
	default:
		errs = append(errs, fmt.Errorf("unknown liar strategy %q", o.Liar))
	}
	if _, err := acquisition.New(o.Acquisition, 0); err != nil {
		errs = append(errs, err)
	}
	if o.Tag == "" {
		errs = append(errs, errors.New("tag must not be empty"))
	}
	if o.Replicas < 1 {
		errs = append(errs, fmt.Errorf("replicas must be at least 1, got %d", o.Replicas))
	}
	if o.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", o.BatchSize))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", o.PollInterval))
	}
	if o.WaitCeiling < o.PollInterval {
		errs = append(errs, fmt.Errorf("wait ceiling %s is shorter than the poll interval %s", o.WaitCeiling, o.PollInterval))
	}
	if c.Queue.URL == "" {
		errs = append(errs, errors.New("queue url must not be empty"))
	}
	if c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint dir must not be empty"))
	}
	return errors.Join(errs...)
}
