package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notiq/notiq/internal/infrastructure/observability/zaplogger"
	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/observability/logctx"
	"github.com/notiq/notiq/internal/validation"
	"github.com/notiq/notiq/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tel     *telemetry.Context
	reg     *prometheus.Registry
	console *syncBuffer
	logDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reg: prometheus.NewRegistry(), console: &syncBuffer{}, logDir: t.TempDir()}
	f.tel = telemetry.New(
		telemetry.WithRegisterer(f.reg),
		telemetry.WithConsole(f.console),
		telemetry.WithErrorOutput(&bytes.Buffer{}),
		telemetry.WithLogDir(f.logDir),
	)
	t.Cleanup(func() { _ = f.tel.Close() })
	return f
}

func (f *fixture) monitor(t *testing.T, name string, opts ...Option) *Monitor {
	t.Helper()
	m, err := New(name, append([]Option{WithTelemetry(f.tel)}, opts...)...)
	require.NoError(t, err)
	return m
}

func (f *fixture) calls(t *testing.T, name string, out Outcome) float64 {
	t.Helper()
	count, _, err := f.tel.Metrics().CallMetrics()
	require.NoError(t, err)
	return testutil.ToFloat64(count.Collector().(*prometheus.CounterVec).WithLabelValues(name, string(out)))
}

func (f *fixture) observations(t *testing.T, name string) uint64 {
	t.Helper()
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "notiq_request_latency_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == observability.LabelFunctionName && lp.GetValue() == name {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestNew_InvalidNameFailsBeforeAnyCall(t *testing.T) {
	f := newFixture(t)

	m, err := New("123bad", WithTelemetry(f.tel))
	assert.Nil(t, m)
	assert.True(t, errors.Is(err, validation.ErrInvalidName))

	assert.Panics(t, func() { MustNew("bad-name", WithTelemetry(f.tel)) })
}

func TestSync_Success(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "answer")

	answer := Sync(m, func() (int, error) { return 42, nil })
	got, err := answer()

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1.0, f.calls(t, "answer", OutcomeSuccess))
	assert.Equal(t, 0.0, f.calls(t, "answer", OutcomeError))
	assert.Equal(t, uint64(1), f.observations(t, "answer"))

	out := f.console.String()
	assert.Contains(t, out, "INFO - call_started")
	assert.Contains(t, out, "INFO - call_succeeded")
}

func TestSync_ErrorIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "failing")
	boom := errors.New("boom")

	failing := Sync(m, func() (string, error) { return "partial", boom })
	got, err := failing()

	assert.Same(t, boom, err)
	assert.Equal(t, "partial", got)
	assert.Equal(t, 1.0, f.calls(t, "failing", OutcomeError))
	assert.Equal(t, 0.0, f.calls(t, "failing", OutcomeSuccess))
	assert.Equal(t, uint64(1), f.observations(t, "failing"))
	assert.Contains(t, f.console.String(), "ERROR - call_failed")
}

func TestSync_CancellationErrorIsAFailure(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "sync_cancel")

	_, err := Sync(m, func() (int, error) { return 0, context.Canceled })()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, f.calls(t, "sync_cancel", OutcomeError))
	assert.Equal(t, 0.0, f.calls(t, "sync_cancel", OutcomeCancelled))
}

func TestFunc_PassesContextAndResult(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "echo")
	type key struct{}

	echo := Func(m, func(ctx context.Context) (string, error) {
		return ctx.Value(key{}).(string), nil
	})
	got, err := echo(context.WithValue(context.Background(), key{}, "hello"))

	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, 1.0, f.calls(t, "echo", OutcomeSuccess))
}

func TestFunc_Cancelled(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "waiter")

	wait := Func(m, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wait(ctx)

	assert.Same(t, context.Canceled, err)
	assert.Equal(t, 1.0, f.calls(t, "waiter", OutcomeCancelled))
	assert.Equal(t, 0.0, f.calls(t, "waiter", OutcomeError))
	assert.Equal(t, uint64(1), f.observations(t, "waiter"))

	out := f.console.String()
	assert.Contains(t, out, "INFO - call_cancelled")
	assert.NotContains(t, out, "ERROR")
}

func TestFunc_DeadlineExceededCountsAsCancelled(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := Wrap(m, func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("waiting: %w", ctx.Err())
	})(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "waiting: context deadline exceeded", err.Error())
	assert.Equal(t, 1.0, f.calls(t, "slow", OutcomeCancelled))
}

func TestFunc_ErrorIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "validate")
	type validationError struct{ error }
	want := &validationError{errors.New("boom")}

	_, err := Func(m, func(context.Context) (int, error) { return 0, want })(context.Background())

	var got *validationError
	require.True(t, errors.As(err, &got))
	assert.Same(t, want, got)
	assert.Equal(t, 1.0, f.calls(t, "validate", OutcomeError))
}

func TestPanicIsRecordedAndRepanicked(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "panicky")

	explode := Sync(m, func() (int, error) { panic("kaboom") })

	assert.PanicsWithValue(t, "kaboom", func() { _, _ = explode() })
	assert.Equal(t, 1.0, f.calls(t, "panicky", OutcomeError))
	assert.Equal(t, uint64(1), f.observations(t, "panicky"))
	assert.Contains(t, f.console.String(), "ERROR - call_panicked")
}

func TestPanicWithErrorValueKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "panic_err")
	sentinel := errors.New("sentinel")

	defer func() {
		r := recover()
		assert.Same(t, sentinel, r)
		assert.Equal(t, 1.0, f.calls(t, "panic_err", OutcomeError))
	}()
	_ = m.Run(context.Background(), func(context.Context) error { panic(sentinel) })
}

func TestLogCallsDisabled(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "hot_path", WithLogCalls(false))

	_, _ = Sync(m, func() (int, error) { return 1, nil })()
	assert.Empty(t, f.console.String())

	_, _ = Sync(m, func() (int, error) { return 0, errors.New("still logged") })()
	assert.Contains(t, f.console.String(), "call_failed")
	assert.NotContains(t, f.console.String(), "call_started")
	assert.Equal(t, 1.0, f.calls(t, "hot_path", OutcomeSuccess))
}

func TestAmbientFieldsAreLogged(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "payment_process")

	ctx := logctx.WithFields(context.Background(),
		observability.F("correlation_id", "abc-123"),
		observability.F("user_id", 456),
	)
	require.NoError(t, m.Run(ctx, func(context.Context) error { return nil }))

	lines := strings.Split(strings.TrimSpace(f.console.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"correlation_id": "abc-123"`)
		assert.Contains(t, line, `"user_id": 456`)
		assert.Contains(t, line, `"call_id": "`)
	}
	assert.Equal(t, callID(lines[0]), callID(lines[1]))
}

func TestConcurrentCallsDoNotInterfere(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "parallel", WithLogCalls(false))

	work := Func(m, func(ctx context.Context) (int, error) {
		n := ctx.Value(ctxKey{}).(int)
		if n%4 == 0 {
			return 0, errors.New("multiple of four")
		}
		return n * 2, nil
	})

	const n = 100
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := work(context.WithValue(context.Background(), ctxKey{}, i))
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if i%4 == 0 {
			assert.Zero(t, results[i])
		} else {
			assert.Equal(t, i*2, results[i])
		}
	}
	assert.Equal(t, 75.0, f.calls(t, "parallel", OutcomeSuccess))
	assert.Equal(t, 25.0, f.calls(t, "parallel", OutcomeError))
	assert.Equal(t, uint64(n), f.observations(t, "parallel"))
}

func TestMonitorsWithSameNameShareMetrics(t *testing.T) {
	f := newFixture(t)
	a := f.monitor(t, "shared")
	b := f.monitor(t, "shared")

	_, _ = Sync(a, func() (int, error) { return 1, nil })()
	_, _ = Sync(b, func() (int, error) { return 2, nil })()

	assert.Equal(t, 2.0, f.calls(t, "shared", OutcomeSuccess))
	assert.Equal(t, uint64(2), f.observations(t, "shared"))
}

func TestFileOutput(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "to_file", WithFileOutput(true))

	_, _ = Sync(m, func() (int, error) { return 1, nil })()

	raw, err := os.ReadFile(filepath.Join(f.logDir, "to_file.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"call_started"`)
	assert.Contains(t, string(raw), `"name":"to_file"`)
}

func TestFileOutput_DoesNotShareDiagnosticsLogger(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "notiq", WithFileOutput(true))

	_, _ = Sync(m, func() (int, error) { return 1, nil })()
	f.tel.Diagnostics().Warn("diagnostics_only")

	assert.Equal(t, []zaplogger.Sink{zaplogger.SinkConsole}, f.tel.Loggers().Sinks(telemetry.DiagnosticsLogger))
	raw, err := os.ReadFile(filepath.Join(f.logDir, "notiq.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"call_started"`)
	assert.NotContains(t, string(raw), "diagnostics_only")
}

func TestSeq_TimesCreationOnly(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "numbers")

	numbers := Seq(m, func() iter.Seq[int] {
		return slices.Values([]int{1, 2, 3})
	})
	assert.Contains(t, f.console.String(), "WARN - lazy_sequence_instrumented")

	got := slices.Collect(numbers())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 1.0, f.calls(t, "numbers", OutcomeSuccess))
	assert.Equal(t, uint64(1), f.observations(t, "numbers"))
	assert.Equal(t, 1, strings.Count(f.console.String(), "lazy_sequence_instrumented"))
}

func TestSeq2(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, "pairs")

	pairs := Seq2(m, func() iter.Seq2[int, string] {
		return slices.All([]string{"a", "b"})
	})

	var keys []int
	for k := range pairs() {
		keys = append(keys, k)
	}
	assert.Equal(t, []int{0, 1}, keys)
}

type ctxKey struct{}

func callID(line string) string {
	const marker = `"call_id": "`
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	rest := line[i+len(marker):]
	return rest[:strings.IndexByte(rest, '"')]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
