package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/shieldopt/internal/queue"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "http://localhost:50051", cfg.Queue.URL)
	assert.Equal(t, "rf", cfg.Optimization.Backend)
	assert.Equal(t, queue.Sampling{ID: 37}, cfg.Optimization.Sampling)
	assert.Equal(t, 16, cfg.Optimization.Replicas)
	assert.Equal(t, 6*time.Hour, cfg.Optimization.WaitCeiling)
	assert.Equal(t, "discrete3_rf_test", cfg.RunTag())
	assert.Len(t, cfg.Job.Volumes, 2)
	assert.NoError(t, cfg.Validate())

	tpl := cfg.JobTemplate()
	assert.Equal(t, "20171129_T1", tpl.ImageTag)
	assert.Equal(t, "/shield/worker_files", tpl.WorkerFiles)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("OPT_BACKEND", "gp")
	t.Setenv("OPT_SAMPLING", "IS")
	t.Setenv("OPT_REPLICAS", "4")
	t.Setenv("LOG_FORMAT", "text")

	path := filepath.Join(t.TempDir(), "shieldopt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
optimization:
  replicas: 8
  poll_interval: 30s
  tag_suffix: ""
queue:
  url: http://queue:8080
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// env beats defaults, the file beats env
	assert.Equal(t, "gp", cfg.Optimization.Backend)
	assert.Equal(t, queue.ImportanceSampling, cfg.Optimization.Sampling)
	assert.Equal(t, 8, cfg.Optimization.Replicas)
	assert.Equal(t, 30*time.Second, cfg.Optimization.PollInterval)
	assert.Equal(t, "http://queue:8080", cfg.Queue.URL)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "discrete3_gp", cfg.RunTag())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("optimization: [unterminated"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	t.Setenv("OPT_SAMPLING", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Optimization.Backend = "xgboost" }},
		{"unknown liar", func(c *Config) { c.Optimization.Liar = "cl_median" }},
		{"unknown acquisition", func(c *Config) { c.Optimization.Acquisition = "pi" }},
		{"no replicas", func(c *Config) { c.Optimization.Replicas = 0 }},
		{"no batch", func(c *Config) { c.Optimization.BatchSize = 0 }},
		{"zero poll interval", func(c *Config) { c.Optimization.PollInterval = 0 }},
		{"ceiling below interval", func(c *Config) { c.Optimization.WaitCeiling = time.Second }},
		{"empty tag", func(c *Config) { c.Optimization.Tag = "" }},
		{"empty checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
