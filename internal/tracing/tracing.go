package tracing

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/traffic-tacos/profile-api/internal/config"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const tracerName = "profile-api"

const (
	attrUserID    = attribute.Key("profile.user_id")
	attrErrorCode = attribute.Key("profile.error_code")
)

// InitTracing installs the OTLP/HTTP trace provider. The returned func flushes
// pending spans and must be called on shutdown.
func InitTracing(cfg *config.Config, version string, logger *logrus.Logger) (func(context.Context) error, error) {
	// Incoming trace headers are honored even when nothing is exported
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Observability.TracingEnabled {
		logger.Info("Tracing is disabled")
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.Observability.OTLPEndpoint)...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tracerName),
			semconv.ServiceVersionKey.String(version),
			semconv.DeploymentEnvironmentKey.String(cfg.Server.Environment),
			attribute.String("profile.backend", cfg.Profile.Backend),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Observability.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	logger.WithFields(logrus.Fields{
		"otlp_endpoint": cfg.Observability.OTLPEndpoint,
		"sample_rate":   cfg.Observability.SampleRate,
	}).Info("OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}

// exporterOptions maps an endpoint URL to exporter options. Plain http:// endpoints
// (a local collector sidecar) disable TLS.
func exporterOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(strings.TrimPrefix(endpoint, "http://")),
			otlptracehttp.WithInsecure(),
		}
	case strings.HasPrefix(endpoint, "https://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimPrefix(endpoint, "https://"))}
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	}
}

// Start opens a span on the global provider
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// UserID tags a span with the authenticated user
func UserID(id int64) attribute.KeyValue {
	return attrUserID.Int64(id)
}

// End closes the span. Client errors (validation, bad credentials) are tagged
// with their code but leave the span status unset; only server-side failures
// mark the span as errored.
func End(span trace.Span, err error) {
	if err != nil {
		appErr := apperrors.As(err)
		span.SetAttributes(attrErrorCode.String(string(appErr.Code)))
		if appErr.IsServerSide() {
			span.RecordError(err)
			span.SetStatus(codes.Error, appErr.Message)
		}
	}
	span.End()
}
