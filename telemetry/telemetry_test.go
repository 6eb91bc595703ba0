package telemetry

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/notiq/notiq/internal/infrastructure/observability/prometrics"
	"github.com/notiq/notiq/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_IsolatedContexts(t *testing.T) {
	a := New(WithRegisterer(prometheus.NewRegistry()), WithConsole(&bytes.Buffer{}))
	b := New(WithRegisterer(prometheus.NewRegistry()), WithConsole(&bytes.Buffer{}))

	ha, _, err := a.Metrics().CallMetrics()
	require.NoError(t, err)
	hb, _, err := b.Metrics().CallMetrics()
	require.NoError(t, err)

	assert.NotSame(t, ha, hb)
}

func TestLogger_UsesContextLogDir(t *testing.T) {
	dir := t.TempDir()
	c := New(WithRegisterer(prometheus.NewRegistry()), WithConsole(&bytes.Buffer{}), WithLogDir(dir))
	t.Cleanup(func() { _ = c.Close() })

	c.Logger(LoggerSpec{Name: "svc", FileOutput: true, JSON: true}).Info("hello")

	_, err := os.Stat(filepath.Join(dir, "svc.log"))
	assert.NoError(t, err)
	assert.Equal(t, dir, c.LogDir())
}

func TestStrictKinds(t *testing.T) {
	c := New(WithRegisterer(prometheus.NewRegistry()), WithConsole(&bytes.Buffer{}), WithStrictKinds())
	spec := prometrics.Spec{Name: "dual"}

	_, err := c.Metrics().Counter(spec)
	require.NoError(t, err)
	_, err = c.Metrics().Gauge(spec)
	assert.True(t, errors.Is(err, prometrics.ErrKindMismatch))
}

func TestDiagnostics_ReportsKindMismatchAtDebug(t *testing.T) {
	console := &bytes.Buffer{}
	c := New(
		WithRegisterer(prometheus.NewRegistry()),
		WithConsole(console),
		WithDiagnosticsLevel(zapcore.DebugLevel),
	)
	spec := prometrics.Spec{Name: "dual"}

	_, err := c.Metrics().Counter(spec)
	require.NoError(t, err)
	_, err = c.Metrics().Histogram(spec)
	require.NoError(t, err)

	assert.Contains(t, console.String(), "DEBUG - metric_kind_mismatch")
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestDiagnosticsLogger_IsNotAMetricName(t *testing.T) {
	_, err := validation.MetricName(DiagnosticsLogger)
	assert.ErrorIs(t, err, validation.ErrInvalidName)
}
