package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf).WithField("batch", 3)

	l.Info("batch submitted", map[string]interface{}{"jobs": 16})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "batch submitted", entry["message"])
	assert.EqualValues(t, 3, entry["batch"])
	assert.EqualValues(t, 16, entry["jobs"])
	assert.Contains(t, entry["caller"], "logging/logger_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WarnLevel, &buf)

	l.Debug("dropped")
	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(DebugLevel, &buf).WithFormat(FormatText).WithFields(map[string]interface{}{"b": 2, "a": 1})

	l.Debug("hello")

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "hello a=1 b=2\n"), line)
	assert.Contains(t, line, "DEBUG")
}

func TestNewLoggerFromConfig(t *testing.T) {
	l, err := NewLogger(&Config{Level: "debug", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, l.level)
	assert.Equal(t, FormatText, l.format)

	l, err = NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, l.level)
	assert.Equal(t, FormatJSON, l.format)
}

func TestZapLoggerForwardsFields(t *testing.T) {
	var buf bytes.Buffer
	z := NewZapLogger(New(DebugLevel, &buf)).Named("gaussian_process")

	z.Debug("fitted",
		zap.Float64("noise_var", 1e-6),
		zap.Int("samples", 12),
		zap.Duration("took", 2*time.Second),
		zap.Error(errors.New("boom")),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fitted", entry["message"])
	assert.Equal(t, "gaussian_process", entry["logger"])
	assert.InDelta(t, 1e-6, entry["noise_var"], 1e-12)
	assert.EqualValues(t, 12, entry["samples"])
	assert.Equal(t, "2s", entry["took"])
	assert.Equal(t, "boom", entry["error"])
}

func TestZapLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	z := NewZapLogger(New(InfoLevel, &buf))
	z.Debug("hidden")
	assert.Zero(t, buf.Len())
}
