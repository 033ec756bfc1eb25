package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/testutil"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

func TestInitTracing_Disabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.TracingEnabled = false

	shutdown, err := InitTracing(cfg, "test", testutil.QuietLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions("http://collector:4318"), 2)
	assert.Len(t, exporterOptions("https://collector:4318"), 1)
	assert.Len(t, exporterOptions("collector:4318"), 1)
}

func TestEnd_StatusByErrorKind(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	End(ok, nil)
	_, client := tracer.Start(context.Background(), "client")
	End(client, apperrors.Auth("Invalid or expired token."))
	_, server := tracer.Start(context.Background(), "server")
	End(server, apperrors.Store(errors.New("connection refused")))

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Empty(t, spans[0].Attributes())

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attrErrorCode.String(string(apperrors.CodeAuth)))

	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Equal(t, apperrors.GenericServerMessage, spans[2].Status().Description)
	assert.Contains(t, spans[2].Attributes(), attrErrorCode.String(string(apperrors.CodeStore)))
	assert.Len(t, spans[2].Events(), 1)
}

func TestStart_WithoutProvider(t *testing.T) {
	ctx, span := Start(context.Background(), "unit", UserID(1))
	require.NotNil(t, ctx)
	End(span, errors.New("boom"))
}
