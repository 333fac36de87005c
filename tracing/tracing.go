/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package tracing configures OpenTelemetry from the standard OTEL_*
// environment variables and starts the spans of a sync.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	sdkDisabledEnv        = "OTEL_SDK_DISABLED"
	otlpEndpointEnv       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	otlpTracesEndpointEnv = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	otlpProtocolEnv       = "OTEL_EXPORTER_OTLP_PROTOCOL"
	otlpTracesProtocolEnv = "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"
	otelTracesExporterEnv = "OTEL_TRACES_EXPORTER"
	otelServiceNameEnv    = "OTEL_SERVICE_NAME"
	defaultServiceName    = "layersync"

	tracerName = "github.com/awslabs/layersync"
)

// Span names.
const (
	SpanSync     = "layersync.sync"
	SpanArtifact = "layersync.artifact"
	SpanDiff     = "layersync.diff"
	SpanUpload   = "layersync.upload"
	SpanFinalize = "layersync.finalize"
)

// Init installs a tracer provider exporting over OTLP. The returned function
// flushes and stops it. Callers should check IsDisabled first.
func Init(ctx context.Context) (func(context.Context) error, error) {
	exp, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}
	return setupTracer(exp), nil
}

func IsDisabled() (bool, error) {
	v := os.Getenv(sdkDisabledEnv)
	if v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return true, fmt.Errorf("invalid value for env %s: %w", sdkDisabledEnv, err)
		}
		if disabled {
			return true, nil
		}
	}

	// not configuring an endpoint is considered as disabling tracing
	if os.Getenv(otlpEndpointEnv) == "" && os.Getenv(otlpTracesEndpointEnv) == "" {
		return true, nil
	}
	return false, nil
}

func newExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	// "otlp" is the only supported traces exporter
	if v := os.Getenv(otelTracesExporterEnv); v != "" && v != "otlp" {
		return nil, fmt.Errorf("unsupported traces exporter %q", v)
	}

	v := os.Getenv(otlpTracesProtocolEnv)
	if v == "" {
		v = os.Getenv(otlpProtocolEnv)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch v {
	case "", "http/protobuf":
		return otlptracehttp.New(ctx)
	case "grpc":
		return otlptracegrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OpenTelemetry protocol %q", v)
	}
}

func setupTracer(exp *otlptrace.Exporter) func(context.Context) error {
	if os.Getenv(otelServiceNameEnv) == "" {
		os.Setenv(otelServiceNameEnv, defaultServiceName)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown trace provider: %w", err)
		}
		return nil
	}
}

// Start starts a span from the global tracer provider. Without Init the
// provider is a no-op.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
