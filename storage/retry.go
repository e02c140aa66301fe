package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mzekb/mze-storage/interfaces"
)

// RetryConfig bounds the retries of a RetryingBackend.
type RetryConfig struct {
	// CallTimeout limits every single backend call.
	CallTimeout time.Duration
	// InitialInterval is the first delay between attempts.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxElapsed is the total retry budget per operation.
	MaxElapsed time.Duration
	// MaxRetries caps the number of retries; zero means no cap besides MaxElapsed.
	MaxRetries uint64
}

// DefaultRetryConfig is used for zero fields of a RetryConfig.
var DefaultRetryConfig = RetryConfig{
	CallTimeout:     10 * time.Second,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsed:      30 * time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultRetryConfig.CallTimeout
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultRetryConfig.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultRetryConfig.MaxInterval
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = DefaultRetryConfig.MaxElapsed
	}
	return c
}

// RetryingBackend wraps a backend with per-call timeouts and bounded
// exponential backoff. Missing blobs are not retried. When the budget is
// exhausted the last error is returned wrapped in ErrBackendUnavailable.
type RetryingBackend struct {
	inner interfaces.BlobBackend
	cfg   RetryConfig
	log   *slog.Logger
}

// NewRetryingBackend wraps inner.
func NewRetryingBackend(inner interfaces.BlobBackend, cfg RetryConfig, log *slog.Logger) *RetryingBackend {
	return &RetryingBackend{inner: inner, cfg: cfg.withDefaults(), log: log}
}

func (r *RetryingBackend) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = r.cfg.MaxElapsed

	var b backoff.BackOff = eb
	if r.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.cfg.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func permanent(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound) || interfaces.IsValidation(err)
}

// retry runs op under the retry policy.
func retry[T any](ctx context.Context, r *RetryingBackend, name string, op func(context.Context) (T, error)) (T, error) {
	attempts := 0
	res, err := backoff.RetryWithData(func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		v, err := op(callCtx)
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx))

	if err == nil || permanent(err) {
		return res, err
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	r.log.Warn("Blob backend retries exhausted",
		slog.String("backend_name", r.inner.Name()),
		slog.String("op", name),
		slog.Int("attempts", attempts),
		"err", err)

	if errors.Is(err, interfaces.ErrBackendUnavailable) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s after %d attempts: %v", interfaces.ErrBackendUnavailable, name, attempts, err)
}

// Fetch retrieves a blob with retries.
func (r *RetryingBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	return retry(ctx, r, "fetch", func(ctx context.Context) ([]byte, error) {
		return r.inner.Fetch(ctx, id)
	})
}

// Store saves a blob with retries; stores are idempotent by content id.
func (r *RetryingBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	return retry(ctx, r, "store", func(ctx context.Context) (interfaces.ContentID, error) {
		return r.inner.Store(ctx, data)
	})
}

// Available reports availability of the wrapped backend.
func (r *RetryingBackend) Available(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.inner.Available(callCtx)
}

// Name returns the wrapped backend's name.
func (r *RetryingBackend) Name() string {
	return r.inner.Name()
}

// LocationURI returns the wrapped backend's location.
func (r *RetryingBackend) LocationURI() string {
	return r.inner.LocationURI()
}
