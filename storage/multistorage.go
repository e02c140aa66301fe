package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mzekb/mze-storage/interfaces"
)

// MultiBackend stores blobs to every available backend and fetches from the
// first one that has them.
type MultiBackend struct {
	backends []interfaces.BlobBackend
	log      *slog.Logger
}

// NewMultiBackend creates a multi backend over backends, in fetch order.
func NewMultiBackend(backends []interfaces.BlobBackend, logger *slog.Logger) *MultiBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiBackend{
		backends: backends,
		log:      logger,
	}
}

// classify returns ErrNotFound when every backend that was asked reported the
// blob missing, and ErrBackendUnavailable when none could be asked.
func classify(result *multierror.Error, tried int) error {
	if tried == 0 {
		return interfaces.ErrBackendUnavailable
	}
	if result == nil {
		return nil
	}
	for _, err := range result.Errors {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
	}
	return interfaces.ErrNotFound
}

// Fetch tries each available backend in order.
func (m *MultiBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	var result *multierror.Error
	tried := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.Short()))
			continue
		}
		tried++

		data, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched blob",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.Short()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		result = multierror.Append(result, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("content_id", id.Short()),
			"err", err)
	}

	m.log.Warn("All backends failed to fetch blob",
		slog.String("content_id", id.Short()),
		slog.Int("tried_backends", tried),
		slog.Duration("duration", time.Since(start)))

	if kind := classify(result, tried); kind != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", kind, id.Short(), result.ErrorOrNil())
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %v", id.Short(), result)
}

// Store saves data to all available backends; one success is enough.
func (m *MultiBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	var result *multierror.Error
	stored := 0
	tried := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}
		tried++

		got, err := backend.Store(ctx, data)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		if !got.Equal(id) {
			m.log.Warn("Inconsistent content id from backend",
				slog.String("backend_name", backend.Name()),
				slog.String("expected_id", id.String()),
				slog.String("actual_id", got.String()))
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store blob",
			slog.Int("tried_backends", tried),
			slog.Duration("duration", time.Since(start)))
		if tried == 0 {
			return id, interfaces.ErrBackendUnavailable
		}
		return id, fmt.Errorf("%w: all backends failed to store blob: %v", interfaces.ErrBackendUnavailable, result.ErrorOrNil())
	}

	m.log.Debug("Stored blob",
		slog.String("content_id", id.Short()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available reports whether any backend is available.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiBackend) Name() string {
	return "multi-storage"
}

// LocationURI combines the location URIs of all backends.
func (m *MultiBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
