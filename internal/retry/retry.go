// Package retry runs a fetch with bounded exponential backoff, retrying only
// failures that are likely to clear up on their own.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/williamDalston/social-media-scraper-sub002/internal/source"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = time.Second
)

// Policy configures retries. Delays start at BaseDelay and double on each
// attempt (1, 2, 4, 8 units) with 10% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
}

// ExhaustedError reports that every allowed attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether err is a transient failure: timeouts, rate
// limiting, unavailable sources and dropped connections. Everything else
// (not found, auth, malformed, validation) is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, source.ErrTimeout),
		errors.Is(err, source.ErrRateLimited),
		errors.Is(err, source.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// MaxDelay is the longest single backoff the policy will sleep.
func (p Policy) MaxDelay() time.Duration {
	p = p.normalized()
	if p.MaxAttempts <= 1 {
		return p.BaseDelay
	}
	return p.BaseDelay << (p.MaxAttempts - 2)
}

// Execute calls fn until it succeeds, fails terminally, or runs out of
// attempts. It returns the result, the number of attempts made, and either
// nil, the terminal error, or an *ExhaustedError. attempt passed to fn is
// 1-based.
func Execute[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p = p.normalized()

	attempts := 0
	var lastErr error

	rp := retrypolicy.NewBuilder[T]().
		WithBackoff(p.BaseDelay, p.MaxDelay()).
		WithMaxRetries(p.MaxAttempts - 1).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return IsRetryable(err)
		}).
		Build()

	result, err := failsafe.With[T](rp).WithContext(ctx).Get(func() (T, error) {
		attempts++
		res, err := fn(ctx, attempts)
		if err != nil {
			lastErr = err
			if IsRetryable(err) && attempts < p.MaxAttempts {
				p.Logger.Debug("retrying fetch", "attempt", attempts, "error", err)
			}
		}
		return res, err
	})
	if err == nil {
		return result, attempts, nil
	}

	var zero T
	if lastErr == nil {
		// Cancelled before the first attempt ran.
		return zero, attempts, err
	}
	if IsRetryable(lastErr) && attempts >= p.MaxAttempts {
		return zero, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && IsRetryable(lastErr) {
		// Cancelled during backoff; report what the source last said.
		return zero, attempts, fmt.Errorf("retry interrupted after %d attempts: %w", attempts, lastErr)
	}
	return zero, attempts, lastErr
}
