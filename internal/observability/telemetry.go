// Package observability sets up OpenTelemetry tracing for HTTP requests,
// the danmaku pipeline and store calls. With the "none" exporter every span
// is a no-op.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// shutdownTimeout is the maximum time to wait for shutdown.
const shutdownTimeout = 5 * time.Second

// Telemetry holds the tracer provider and configuration.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	shutdownOnce   sync.Once
}

// Init initializes tracing with the given configuration and installs the
// provider globally. Returns Telemetry manager, cleanup function, and error.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if !cfg.ShouldEnable() {
		return &Telemetry{config: cfg}, func() {}, nil
	}

	tp, err := initTracerProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)

	tel := &Telemetry{config: cfg, tracerProvider: tp}
	return tel, tel.Cleanup, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return noop.NewTracerProvider()
	}
	return t.tracerProvider
}

// Shutdown flushes pending spans and closes the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if tp, ok := t.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
			err = tp.Shutdown(ctx)
		}
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}
