package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
)

// BackendObserver receives one observation per backend call.
type BackendObserver interface {
	ObserveBackendCall(backend, op, outcome string, d time.Duration)
}

// InstrumentedBackend reports the outcome and latency of every call to the
// wrapped backend.
type InstrumentedBackend struct {
	backend  interfaces.BlobBackend
	observer BackendObserver
}

// NewInstrumentedBackend wraps backend.
func NewInstrumentedBackend(backend interfaces.BlobBackend, observer BackendObserver) *InstrumentedBackend {
	return &InstrumentedBackend{backend: backend, observer: observer}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrNotFound):
		return "not_found"
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

func (b *InstrumentedBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	data, err := b.backend.Fetch(ctx, id)
	b.observer.ObserveBackendCall(b.backend.Name(), "fetch", outcome(err), time.Since(start))
	return data, err
}

func (b *InstrumentedBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id, err := b.backend.Store(ctx, data)
	b.observer.ObserveBackendCall(b.backend.Name(), "store", outcome(err), time.Since(start))
	return id, err
}

func (b *InstrumentedBackend) Available(ctx context.Context) bool {
	return b.backend.Available(ctx)
}

func (b *InstrumentedBackend) Name() string {
	return b.backend.Name()
}

func (b *InstrumentedBackend) LocationURI() string {
	return b.backend.LocationURI()
}
