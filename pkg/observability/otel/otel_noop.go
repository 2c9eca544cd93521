//go:build !otelotlp

// Package otelobs bootstraps OpenTelemetry tracing for the service
// binaries. The default build is a no-op; build with -tags otelotlp to
// export spans over OTLP HTTP.
package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op by default. Build with -tags otelotlp to enable
// the OTLP exporter.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler is a no-op by default.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }
