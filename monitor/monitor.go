// Package monitor instruments functions with call counters, latency
// histograms and structured call logs, without changing what the
// instrumented function returns, fails with or panics with.
//
//	m, err := monitor.New("payment_process", monitor.WithFileOutput(true))
//	if err != nil {
//		return err
//	}
//	process := monitor.Func(m, processPayment)
//
//	ctx = monitor.WithFields(ctx, monitor.F("correlation_id", "abc-123"), monitor.F("user_id", 42))
//	receipt, err := process(ctx)
package monitor

import (
	"context"
	"reflect"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/notiq/notiq/internal/infrastructure/observability/zaplogger"
	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/observability/logctx"
	"github.com/notiq/notiq/internal/validation"
	"github.com/notiq/notiq/telemetry"
	"go.uber.org/zap/zapcore"
)

// Outcome classifies one instrumented call. Its value is the status label.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

var outcomes = []Outcome{OutcomeSuccess, OutcomeError, OutcomeCancelled}

type options struct {
	fileOutput bool
	json       bool
	logCalls   bool
	level      zapcore.Level
	tel        *telemetry.Context
}

type Option func(*options)

// WithFileOutput also writes the call logs to <log dir>/<metric name>.log.
func WithFileOutput(enabled bool) Option {
	return func(o *options) { o.fileOutput = enabled }
}

// WithJSON selects JSON lines (default) or plain text for the log file.
func WithJSON(enabled bool) Option {
	return func(o *options) { o.json = enabled }
}

// WithLogCalls controls the per-call started/succeeded lines. Turn it off
// for hot functions; failures and cancellations are always logged.
func WithLogCalls(enabled bool) Option {
	return func(o *options) { o.logCalls = enabled }
}

// WithLevel sets the minimum level of the monitor's logger (default: debug).
func WithLevel(level zapcore.Level) Option {
	return func(o *options) { o.level = level }
}

// WithTelemetry resolves metrics and loggers from tel instead of telemetry.Default().
func WithTelemetry(tel *telemetry.Context) Option {
	return func(o *options) { o.tel = tel }
}

// Monitor holds everything resolved once for a metric name and shared by
// every call of the functions it wraps.
type Monitor struct {
	name     string
	log      observability.Logger
	calls    map[Outcome]observability.Bound
	latency  observability.Bound
	logCalls bool
}

// New validates metricName and resolves the call metrics and the logger.
// An invalid name fails here, before anything can be wrapped.
func New(metricName string, opts ...Option) (*Monitor, error) {
	name, err := validation.MetricName(metricName)
	if err != nil {
		return nil, err
	}

	o := options{json: true, logCalls: true, level: zapcore.DebugLevel}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tel == nil {
		o.tel = telemetry.Default()
	}

	count, latency, err := o.tel.Metrics().CallMetrics()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		name: name,
		log: o.tel.Logger(zaplogger.Spec{
			Name:       name,
			Level:      o.level,
			FileOutput: o.fileOutput,
			JSON:       o.json,
		}),
		calls:    make(map[Outcome]observability.Bound, len(outcomes)),
		latency:  latency.With(observability.L(observability.LabelFunctionName, name)),
		logCalls: o.logCalls,
	}
	for _, out := range outcomes {
		m.calls[out] = count.With(
			observability.L(observability.LabelFunctionName, name),
			observability.L(observability.LabelStatus, string(out)),
		)
	}
	return m, nil
}

// MustNew is like New but panics on an invalid metric name.
func MustNew(metricName string, opts ...Option) *Monitor {
	m, err := New(metricName, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Monitor) Name() string { return m.name }

// call is the per-invocation record; it never leaves the calling goroutine.
type call struct {
	start  time.Time
	fn     string
	ctx    context.Context
	m      *Monitor
	logger observability.Logger
}

func (c *call) log() observability.Logger {
	if c.logger == nil {
		fields := append([]observability.Field{
			observability.F("call_id", uuid.NewString()),
			observability.F("func", c.fn),
		}, logctx.Fields(c.ctx)...)
		c.logger = c.m.log.With(fields...)
	}
	return c.logger
}

// invoke runs fn under s and records exactly one outcome and one latency
// observation, whichever way fn exits.
func (m *Monitor) invoke(ctx context.Context, s strategy, fn string, run func() error) error {
	c := &call{start: time.Now(), fn: fn, ctx: ctx, m: m}
	if m.logCalls {
		c.log().Info("call_started")
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		m.finish(c, OutcomeError, nil, r, true)
		if r != nil {
			panic(r)
		}
	}()

	err := run()
	completed = true
	m.finish(c, s.classify(err), err, nil, false)
	return err
}

func (m *Monitor) finish(c *call, out Outcome, err error, recovered any, aborted bool) {
	elapsed := time.Since(c.start)
	defer m.latency.Observe(elapsed.Seconds())

	m.calls[out].Add(1)

	switch out {
	case OutcomeSuccess:
		if m.logCalls {
			c.log().Info("call_succeeded", observability.F("duration", elapsed))
		}
	case OutcomeCancelled:
		c.log().Info("call_cancelled",
			observability.F("duration", elapsed),
			observability.F("reason", err),
		)
	default:
		switch {
		case recovered != nil:
			c.log().Error("call_panicked",
				observability.F("duration", elapsed),
				observability.F("panic", recovered),
			)
		case aborted:
			c.log().Error("call_aborted", observability.F("duration", elapsed))
		default:
			c.log().Error("call_failed",
				observability.F("duration", elapsed),
				observability.F("error", err),
			)
		}
	}
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "unknown"
}
