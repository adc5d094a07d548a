package square

import (
	"context"
	"customer-import/internal/config"
	"customer-import/internal/pkg/apperrors"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrier_Backoff(t *testing.T) {
	r := NewRetrier(config.RetryConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, slog.Default())

	first := r.Backoff(0, 0)
	assert.InDelta(t, float64(100*time.Millisecond), float64(first), float64(10*time.Millisecond))

	third := r.Backoff(2, 0)
	assert.InDelta(t, float64(400*time.Millisecond), float64(third), float64(40*time.Millisecond))

	assert.Equal(t, time.Second, r.Backoff(10, 0))
	assert.Equal(t, 3*time.Second, r.Backoff(0, 3*time.Second))
}

func TestRetrier_Do(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRetrier(config.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, logger)

	t.Run("plain errors are not retried", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		slow := NewRetrier(config.RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, logger)
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := slow.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			cancel()
			return &apperrors.RemoteError{Kind: apperrors.FailureNetwork, Operation: "op"}
		})
		assert.Equal(t, apperrors.FailureNetwork, apperrors.RemoteKind(err))
		assert.Equal(t, 1, calls)
	})
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", "garbage")
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	assert.Zero(t, ParseRetryAfter(h))
}
