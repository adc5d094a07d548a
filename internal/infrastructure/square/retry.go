package square

import (
	"context"
	"customer-import/internal/config"
	"customer-import/internal/pkg/apperrors"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	backoffFactor = 2.0
	backoffJitter = 0.1
)

// Retrier repeats remote calls that failed with a retryable RemoteError,
// waiting with exponential backoff between attempts.
type Retrier struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func NewRetrier(cfg config.RetryConfig, logger *slog.Logger) *Retrier {
	r := &Retrier{
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger,
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = 500 * time.Millisecond
	}
	if r.maxBackoff < r.initialBackoff {
		r.maxBackoff = r.initialBackoff
	}
	return r
}

// Backoff returns the wait before retry number attempt (0-based). A positive
// retryAfter from the server wins over the computed value.
func (r *Retrier) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	backoff := float64(r.initialBackoff) * math.Pow(backoffFactor, float64(attempt))
	backoff += backoff * backoffJitter * (rand.Float64()*2 - 1)
	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var remoteErr *apperrors.RemoteError
		if !errors.As(err, &remoteErr) || !remoteErr.Retryable() || attempt >= r.maxRetries {
			return err
		}

		wait := r.Backoff(attempt, remoteErr.RetryAfter)
		r.logger.WarnContext(ctx, "Retrying remote call",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("kind", string(remoteErr.Kind)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// ParseRetryAfter reads the Retry-After header as seconds or an HTTP date.
func ParseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
