package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func TestTracingHandler_InjectsServiceAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewTracingHandler(inner, "pycodegraph", "test", ModeExtractor))

	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"service":"pycodegraph"`)
	assert.Contains(t, out, `"env":"test"`)
	assert.Contains(t, out, `"mode":"extractor"`)
}

func TestNewPipelineMetrics(t *testing.T) {
	t.Parallel()

	meter := noopmetric.NewMeterProvider().Meter("test")

	pm, err := NewPipelineMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()

	finish := pm.RecordJobStart(ctx)
	finish("completed")

	pm.RecordPhase(ctx, "extracting", 250*time.Millisecond, false)
	pm.RecordPhase(ctx, "loading", time.Second, true)
	pm.RecordFiles(ctx, "parsed", 10)
	pm.RecordFiles(ctx, "cached", 0)
	pm.RecordTupleCounts(ctx, 5, 3)
	pm.RecordBatch(ctx, "nodes", false)
}

func TestInit_PrometheusDisabledHasNoRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrometheusEnabled = false

	providers, err := Init(cfg)
	require.NoError(t, err)

	defer func() { require.NoError(t, providers.Shutdown(context.Background())) }()

	assert.Nil(t, providers.Registry)
	assert.NotNil(t, providers.Logger)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
}

func TestInit_PrometheusEnabledExposesRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrometheusEnabled = true

	providers, err := Init(cfg)
	require.NoError(t, err)

	defer func() { require.NoError(t, providers.Shutdown(context.Background())) }()

	require.NotNil(t, providers.Registry)

	families, err := providers.Registry.Gather()
	require.NoError(t, err)
	assert.NotNil(t, families)
}
