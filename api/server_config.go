package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the storage API listener and its metrics
// listener. Zero durations disable the matching limit.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is optional; no metrics listener is started when empty.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz reports not ready before shutdown
	// proceeds.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout bounds one storage request, payload transfer included.
	RequestTimeout time.Duration
}
