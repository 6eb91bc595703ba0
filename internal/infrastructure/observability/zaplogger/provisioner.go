// Package zaplogger provisions named zap loggers with a console sink and an
// optional rotating file sink, and adapts them to observability.Logger.
package zaplogger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/notiq/notiq/internal/validation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultDir is used when a Spec asks for file output without a directory.
	DefaultDir = "./logs"
	// MaxFileSizeMB is the rotation threshold of the file sink (5 MiB).
	MaxFileSizeMB = 5
	// MaxBackups is the number of rotated files kept next to the live one.
	MaxBackups = 3
)

// Spec describes one named logger.
type Spec struct {
	Name       string
	Level      zapcore.Level
	FileOutput bool
	JSON       bool
	Dir        string
}

type Sink int

const (
	SinkConsole Sink = iota + 1
	SinkFile
)

func (s Sink) String() string {
	switch s {
	case SinkConsole:
		return "console"
	case SinkFile:
		return "file"
	default:
		return fmt.Sprintf("sink(%d)", int(s))
	}
}

type State int

const (
	StateUnconfigured State = iota
	StateConfigured
)

type Option func(*Provisioner)

// WithConsole replaces stdout as the console sink.
func WithConsole(w io.Writer) Option {
	return func(p *Provisioner) {
		if w != nil {
			p.console = zapcore.Lock(zapcore.AddSync(w))
		}
	}
}

// WithErrorOutput replaces stderr as the destination of provisioning diagnostics.
func WithErrorOutput(w io.Writer) Option {
	return func(p *Provisioner) {
		if w != nil {
			p.errOut = w
		}
	}
}

// Provisioner configures each named logger at most once per sink kind.
// The lock only guards setup; emission through a returned logger never
// touches it.
type Provisioner struct {
	mu      sync.Mutex
	loggers map[string]*provisioned
	console zapcore.WriteSyncer
	errOut  io.Writer
}

type provisioned struct {
	logger *zap.Logger
	cores  []zapcore.Core
	sinks  []Sink
	files  []*lumberjack.Logger
}

func (p *provisioned) has(s Sink) bool {
	for _, have := range p.sinks {
		if have == s {
			return true
		}
	}
	return false
}

func NewProvisioner(opts ...Option) *Provisioner {
	p := &Provisioner{
		loggers: make(map[string]*provisioned),
		console: zapcore.Lock(os.Stdout),
		errOut:  os.Stderr,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision returns the logger for spec.Name, attaching the console sink and,
// when requested, the file sink if they are not attached yet. It never fails:
// a file sink that cannot be created is reported on the error output and
// skipped.
func (p *Provisioner) Provision(spec Spec) *zap.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.loggers[spec.Name]
	if !ok {
		entry = &provisioned{}
		p.loggers[spec.Name] = entry
	}

	changed := false
	if !entry.has(SinkConsole) {
		entry.cores = append(entry.cores, zapcore.NewCore(consoleEncoder(), p.console, spec.Level))
		entry.sinks = append(entry.sinks, SinkConsole)
		changed = true
	}
	if spec.FileOutput && !entry.has(SinkFile) {
		if core, file, err := p.fileCore(spec); err != nil {
			p.diagnose(spec.Name, err)
		} else {
			entry.cores = append(entry.cores, core)
			entry.sinks = append(entry.sinks, SinkFile)
			entry.files = append(entry.files, file)
			changed = true
		}
	}

	if changed || entry.logger == nil {
		// built from its own cores, so nothing propagates to zap.L()
		entry.logger = zap.New(zapcore.NewTee(entry.cores...),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		).Named(spec.Name)
	}
	return entry.logger
}

// Sinks reports which sinks are attached to the named logger.
func (p *Provisioner) Sinks(name string) []Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.loggers[name]
	if !ok {
		return nil
	}
	return append([]Sink(nil), entry.sinks...)
}

func (p *Provisioner) State(name string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loggers[name]; ok {
		return StateConfigured
	}
	return StateUnconfigured
}

// Close syncs every provisioned logger and closes the file sinks.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, entry := range p.loggers {
		_ = entry.logger.Sync()
		for _, f := range entry.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		entry.files = nil
	}
	return errors.Join(errs...)
}

func (p *Provisioner) fileCore(spec Spec) (zapcore.Core, *lumberjack.Logger, error) {
	dir := spec.Dir
	if dir == "" {
		dir = DefaultDir
	}
	path := filepath.Join(dir, validation.SanitizeFilename(spec.Name)+".log")
	if err := ensureLogFile(path); err != nil {
		return nil, nil, err
	}

	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxFileSizeMB,
		MaxBackups: MaxBackups,
	}
	ws := zapcore.AddSync(file)
	if spec.JSON {
		core := zapcore.NewCore(jsonEncoder(), ws, spec.Level).With([]zapcore.Field{
			zap.Int("process_id", os.Getpid()),
			zap.String("hostname", Hostname()),
		})
		return sourceCore{Core: core}, file, nil
	}
	return zapcore.NewCore(plainEncoder(), ws, spec.Level), file, nil
}

func (p *Provisioner) diagnose(name string, err error) {
	if errors.Is(err, fs.ErrPermission) {
		fmt.Fprintf(p.errOut, "[logging] Permission denied creating log file for '%s'. File logging disabled.\n", name)
		return
	}
	fmt.Fprintf(p.errOut, "[logging] Failed to create file handler for '%s': %v. File logging disabled.\n", name, err)
}

// lumberjack opens lazily, so probe the path now to surface errors at setup.
func ensureLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
