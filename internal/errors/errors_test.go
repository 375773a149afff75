package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/shieldopt/internal/logging"
)

func TestErrorString(t *testing.T) {
	base := stderrors.New("connection refused")
	err := Wrap(base, "submit batch").WithOperation("optimize").WithComponent("driver")
	assert.Equal(t, "submit batch: operation=optimize, component=driver: connection refused", err.Error())
	assert.NotEmpty(t, err.StackTrace())
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestIsAndAs(t *testing.T) {
	sentinel := stderrors.New("sentinel")
	err := Wrapf(fmt.Errorf("layer: %w", sentinel), "outer %d", 1)

	assert.True(t, Is(err, sentinel))
	assert.False(t, Is(err, stderrors.New("sentinel")))

	var e *Error
	require.True(t, As(err, &e))
	assert.Equal(t, "outer 1", e.Message)
	assert.Equal(t, err.Err, Unwrap(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(stderrors.New("boom")))
	assert.Equal(t, ExitInterrupted, ExitCode(Wrap(context.Canceled, "run")))
	assert.Equal(t, ExitConfig, ExitCode(New("bad backend").WithCode(ExitConfig)))
	assert.Equal(t, ExitUnavailable, ExitCode(fmt.Errorf("driver: %w", Errorf("queue down").WithCode(ExitUnavailable))))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("broken handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorHandlerPassesThrough(t *testing.T) {
	h := ErrorHandler(logging.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
