// Package taskqueue defines background tasks and runs them on an
// in-process broker.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownTask   = errors.New("taskqueue: unknown task")
	ErrDuplicateTask = errors.New("taskqueue: task already registered")
	ErrQueueClosed   = errors.New("taskqueue: broker stopped")
)

// Message is one delivery of a task.
type Message struct {
	ID          string
	Task        string
	Args        json.RawMessage
	Headers     map[string]string
	Attempt     int
	Redelivered int
}

// Decode unmarshals the task arguments into v.
func (m Message) Decode(v any) error {
	if len(m.Args) == 0 {
		return nil
	}
	return json.Unmarshal(m.Args, v)
}

// Handler processes a message.
type Handler func(ctx context.Context, msg Message) error

// Options are the delivery semantics of a task.
type Options struct {
	// AcksLate acknowledges a message after the handler finishes instead of
	// before it starts.
	AcksLate bool
	// RejectOnWorkerLost requeues a late-acked message whose handler died
	// (panicked) instead of acknowledging it.
	RejectOnWorkerLost bool
	// MaxRetries bounds how often a handler may ask for a retry.
	MaxRetries int
}

type Option func(*Options)

func AcksLate(enabled bool) Option {
	return func(o *Options) { o.AcksLate = enabled }
}

func RejectOnWorkerLost(enabled bool) Option {
	return func(o *Options) { o.RejectOnWorkerLost = enabled }
}

func MaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// Definition is a named task ready to be registered.
type Definition struct {
	Name    string
	Handler Handler
	Options Options
}

// Task builds a definition with late acknowledgement and reject-on-worker-lost
// enabled unless opts say otherwise.
func Task(name string, h Handler, opts ...Option) Definition {
	o := Options{AcksLate: true, RejectOnWorkerLost: true}
	for _, opt := range opts {
		opt(&o)
	}
	return Definition{Name: name, Handler: h, Options: o}
}

// Registrar is the task system a definition is handed to.
type Registrar interface {
	Register(def Definition) error
}

// Define builds a task with the module defaults and registers it on r.
func Define(r Registrar, name string, h Handler, opts ...Option) error {
	return r.Register(Task(name, h, opts...))
}

// RetryError asks the broker to run the message again after Countdown.
type RetryError struct {
	Err       error
	Countdown time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Countdown, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the broker retries the message after countdown, as long
// as the task's MaxRetries allows it.
func Retry(err error, countdown time.Duration) error {
	return &RetryError{Err: err, Countdown: countdown}
}
