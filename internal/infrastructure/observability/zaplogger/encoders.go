package zaplogger

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Hostname is looked up once per process; it cannot change during a run and
// sits on the hot path of every JSON line.
var Hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
})

// consoleEncoder renders "15:04:05 - INFO - message".
func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "message",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(time.TimeOnly),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	})
}

// plainEncoder renders "time - LEVEL - name - file:line - message".
func plainEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "name",
		CallerKey:        "caller",
		MessageKey:       "message",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeCaller:     baseCallerEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	})
}

// jsonEncoder writes one object per line; module, line and thread_name are
// added by sourceCore, process_id and hostname are bound on the core.
func jsonEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "name",
		MessageKey:     "message",
		StacktraceKey:  "exception",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     utcISO8601,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
}

// baseCallerEncoder renders "file.go:line" without the package directory.
func baseCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	if !caller.Defined {
		enc.AppendString("undefined")
		return
	}
	enc.AppendString(filepath.Base(caller.File) + ":" + strconv.Itoa(caller.Line))
}

func utcISO8601(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339Nano))
}

type sourceCore struct{ zapcore.Core }

func (c sourceCore) With(fields []zapcore.Field) zapcore.Core {
	return sourceCore{Core: c.Core.With(fields)}
}

func (c sourceCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c sourceCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(fields)+3)
	all = append(all, fields...)
	all = append(all,
		zap.String("module", module(ent.Caller)),
		zap.Int("line", ent.Caller.Line),
		zap.String("thread_name", goroutineName()),
	)
	return c.Core.Write(ent, all)
}

func module(caller zapcore.EntryCaller) string {
	if !caller.Defined {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(caller.File), ".go")
}

// goroutineName is "goroutine-<id>", parsed from the runtime stack header.
func goroutineName() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return "goroutine"
	}
	return "goroutine-" + string(fields[1])
}
