// Package telemetry holds the process-scoped observability context: one
// metric builder and one logger provisioner shared by every instrumented
// function that uses it.
package telemetry

import (
	"io"
	"sync"

	"github.com/notiq/notiq/internal/infrastructure/observability/prometrics"
	"github.com/notiq/notiq/internal/infrastructure/observability/zaplogger"
	"github.com/notiq/notiq/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

// DiagnosticsLogger names the logger the context itself reports through.
// The dot keeps it out of the metric-name grammar, so no monitor can share it.
const DiagnosticsLogger = "notiq.telemetry"

type config struct {
	registerer prometheus.Registerer
	console    io.Writer
	errOut     io.Writer
	logDir     string
	strict     bool
	level      zapcore.Level
}

type Option func(*config)

// WithRegisterer sets where metrics are registered (default: prometheus.DefaultRegisterer).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithConsole sets the console sink of every provisioned logger (default: stdout).
func WithConsole(w io.Writer) Option {
	return func(c *config) { c.console = w }
}

// WithErrorOutput sets where file-sink failures are reported (default: stderr).
func WithErrorOutput(w io.Writer) Option {
	return func(c *config) { c.errOut = w }
}

// WithLogDir sets the directory of file sinks (default: ./logs).
func WithLogDir(dir string) Option {
	return func(c *config) { c.logDir = dir }
}

// WithStrictKinds rejects resolving an existing metric as a different kind.
func WithStrictKinds() Option {
	return func(c *config) { c.strict = true }
}

// WithDiagnosticsLevel sets the level of the context's own logger (default: info).
func WithDiagnosticsLevel(level zapcore.Level) Option {
	return func(c *config) { c.level = level }
}

// LoggerSpec describes a logger provisioned through Context.Logger.
type LoggerSpec = zaplogger.Spec

type Context struct {
	metrics *prometrics.Builder
	loggers *zaplogger.Provisioner
	logDir  string
	log     observability.Logger
}

// New assembles a Context from the supplied options.
func New(opts ...Option) *Context {
	cfg := config{logDir: zaplogger.DefaultDir, level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	loggers := zaplogger.NewProvisioner(
		zaplogger.WithConsole(cfg.console),
		zaplogger.WithErrorOutput(cfg.errOut),
	)
	log := zaplogger.Wrap(loggers.Provision(zaplogger.Spec{Name: DiagnosticsLogger, Level: cfg.level}))

	builderOpts := []prometrics.Option{prometrics.WithLogger(log)}
	if cfg.strict {
		builderOpts = append(builderOpts, prometrics.WithStrictKinds())
	}

	return &Context{
		metrics: prometrics.NewBuilder(cfg.registerer, builderOpts...),
		loggers: loggers,
		logDir:  cfg.logDir,
		log:     log,
	}
}

var defaultContext = sync.OnceValue(func() *Context { return New() })

// Default returns the process default Context, registering into
// prometheus.DefaultRegisterer and logging to stdout.
func Default() *Context { return defaultContext() }

func (c *Context) Metrics() *prometrics.Builder { return c.metrics }

func (c *Context) Loggers() *zaplogger.Provisioner { return c.loggers }

func (c *Context) LogDir() string { return c.logDir }

// Diagnostics is the context's own logger.
func (c *Context) Diagnostics() observability.Logger { return c.log }

// Logger provisions spec (filling in the context's log directory) and
// returns it behind the observability.Logger port.
func (c *Context) Logger(spec LoggerSpec) observability.Logger {
	if spec.Dir == "" {
		spec.Dir = c.logDir
	}
	return zaplogger.Wrap(c.loggers.Provision(spec))
}

// Close flushes loggers and closes file sinks.
func (c *Context) Close() error {
	return c.loggers.Close()
}
