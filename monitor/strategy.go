package monitor

import (
	"context"
	"errors"
	"iter"

	"github.com/notiq/notiq/internal/observability"
)

// strategy is picked once, when a function is wrapped, and decides how a
// returned error is classified.
type strategy interface {
	classify(err error) Outcome
}

// syncStrategy serves functions that cannot be cancelled: any error is a failure.
type syncStrategy struct{}

func (syncStrategy) classify(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// contextStrategy serves functions that take a context and may be cancelled
// through it. Cancellation is recorded apart from failures and still
// returned to the caller as is.
type contextStrategy struct{}

func (contextStrategy) classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Sync wraps a function that takes no context.
func Sync[T any](m *Monitor, fn func() (T, error)) func() (T, error) {
	name := funcName(fn)
	return func() (T, error) {
		var out T
		err := m.invoke(context.Background(), syncStrategy{}, name, func() error {
			var err error
			out, err = fn()
			return err
		})
		return out, err
	}
}

// Func wraps a context-aware function. Ambient fields set with
// logctx.WithFields on the call's context are added to its log lines.
func Func[T any](m *Monitor, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	name := funcName(fn)
	return func(ctx context.Context) (T, error) {
		var out T
		err := m.invoke(ctx, contextStrategy{}, name, func() error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	}
}

// Wrap is Func for functions that only return an error.
func Wrap(m *Monitor, fn func(context.Context) error) func(context.Context) error {
	name := funcName(fn)
	return func(ctx context.Context) error {
		return m.invoke(ctx, contextStrategy{}, name, func() error { return fn(ctx) })
	}
}

// Run instruments a single call of fn.
func (m *Monitor) Run(ctx context.Context, fn func(context.Context) error) error {
	return m.invoke(ctx, contextStrategy{}, funcName(fn), func() error { return fn(ctx) })
}

// Seq wraps a function returning a lazy sequence. Only the creation of the
// sequence is timed, not its iteration; a warning says so when wrapping.
// Instrument the consuming code to time the iteration.
func Seq[V any](m *Monitor, fn func() iter.Seq[V]) func() iter.Seq[V] {
	name := funcName(fn)
	m.warnLazy(name)
	return func() iter.Seq[V] {
		var seq iter.Seq[V]
		_ = m.invoke(context.Background(), syncStrategy{}, name, func() error {
			seq = fn()
			return nil
		})
		return seq
	}
}

// Seq2 is Seq for two-value sequences.
func Seq2[K, V any](m *Monitor, fn func() iter.Seq2[K, V]) func() iter.Seq2[K, V] {
	name := funcName(fn)
	m.warnLazy(name)
	return func() iter.Seq2[K, V] {
		var seq iter.Seq2[K, V]
		_ = m.invoke(context.Background(), syncStrategy{}, name, func() error {
			seq = fn()
			return nil
		})
		return seq
	}
}

func (m *Monitor) warnLazy(fn string) {
	m.log.Warn("lazy_sequence_instrumented",
		observability.F("func", fn),
		observability.F("detail", "only sequence creation is timed, not iteration; instrument the consuming code instead"),
	)
}
