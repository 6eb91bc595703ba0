package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/observability/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const componentBroker = "taskqueue"

// Result is the result label of the messages counter.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultRetried   Result = "retried"
	ResultRequeued  Result = "requeued"
	ResultRejected  Result = "rejected"
)

const (
	defaultConcurrency     = 8
	defaultQueueSize       = 1024
	defaultMaxRedeliveries = 3
)

type BrokerOption func(*Broker)

// WithConcurrency caps how many handlers run at once (default 8).
func WithConcurrency(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithQueueSize sets the buffer of pending messages (default 1024).
func WithQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMaxRedeliveries bounds how often a message lost with its worker is
// requeued before it is rejected for good (default 3).
func WithMaxRedeliveries(n int) BrokerOption {
	return func(b *Broker) {
		if n >= 0 {
			b.maxRedeliveries = n
		}
	}
}

// WithMessages counts deliveries on c, labelled task and result.
func WithMessages(c observability.Counter) BrokerOption {
	return func(b *Broker) {
		if c != nil {
			b.messages = c
		}
	}
}

// Broker is an in-memory task queue with bounded handler concurrency.
// Messages are not persisted: whatever is still queued when the broker
// stops is lost.
type Broker struct {
	mu    sync.RWMutex
	tasks map[string]Definition

	queue     chan Message
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc // guarded by mu
	wg        sync.WaitGroup

	concurrency     int
	queueSize       int
	maxRedeliveries int
	log             observability.Logger
	messages        observability.Counter
}

func NewBroker(logger observability.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Broker{
		tasks:           make(map[string]Definition),
		done:            make(chan struct{}),
		concurrency:     defaultConcurrency,
		queueSize:       defaultQueueSize,
		maxRedeliveries: defaultMaxRedeliveries,
		log:             logger.With(observability.F("component", componentBroker)),
		messages:        observability.NopCounter(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan Message, b.queueSize)
	return b
}

// Register implements Registrar.
func (b *Broker) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("taskqueue: task needs a name and a handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, def.Name)
	}
	b.tasks[def.Name] = def
	b.log.Debug("task_registered",
		observability.F("task", def.Name),
		observability.F("acks_late", def.Options.AcksLate),
		observability.F("reject_on_worker_lost", def.Options.RejectOnWorkerLost),
		observability.F("max_retries", def.Options.MaxRetries),
	)
	return nil
}

// Tasks lists the registered task names.
func (b *Broker) Tasks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tasks))
	for name := range b.tasks {
		names = append(names, name)
	}
	return names
}

// Start launches the dispatch loop. It does nothing once Stop has run.
func (b *Broker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		bg, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.wg.Add(1)
		go b.dispatchLoop(bg)
		logctx.FromOr(ctx, b.log).Info("task_broker_started",
			observability.F("concurrency", b.concurrency),
		)
	})
}

// Stop refuses new messages and waits for running handlers until ctx ends.
func (b *Broker) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		finished := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(finished)
		}()

		logger := logctx.FromOr(ctx, b.log)
		select {
		case <-finished:
		case <-ctx.Done():
			err = ctx.Err()
			logger.Warn("task_broker_stop_timeout", observability.F("error", err))
		}
		logger.Info("task_broker_stopped", observability.F("discarded", len(b.queue)))
	})
	return err
}

// Enqueue schedules task name with args encoded as JSON and returns the
// message id. The trace context of ctx travels with the message.
func (b *Broker) Enqueue(ctx context.Context, name string, args any) (string, error) {
	select {
	case <-b.done:
		return "", ErrQueueClosed
	default:
	}

	b.mu.RLock()
	_, ok := b.tasks[name]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	var raw json.RawMessage
	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return "", fmt.Errorf("taskqueue: encode args of %s: %w", name, err)
		}
	}

	msg := Message{
		ID:      uuid.NewString(),
		Task:    name,
		Args:    raw,
		Headers: make(map[string]string),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))

	logger := logctx.FromOr(ctx, b.log).With(
		observability.F("task", name),
		observability.F("task_id", msg.ID),
	)
	select {
	case b.queue <- msg:
		logger.Debug("task_enqueued")
		return msg.ID, nil
	case <-b.done:
		return "", ErrQueueClosed
	case <-ctx.Done():
		logger.Warn("task_enqueue_aborted", observability.F("error", ctx.Err()))
		return "", ctx.Err()
	}
}

func (b *Broker) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	sem := make(chan struct{}, b.concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			b.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					b.wg.Done()
				}()
				// handlers run to completion even when the broker stops
				b.handle(context.WithoutCancel(ctx), msg)
			}()
		}
	}
}

func (b *Broker) handle(ctx context.Context, msg Message) {
	b.mu.RLock()
	def, ok := b.tasks[msg.Task]
	b.mu.RUnlock()
	if !ok {
		b.log.Warn("task_dropped_unknown", observability.F("task", msg.Task))
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx = logctx.WithFields(ctx,
		observability.F("task", msg.Task),
		observability.F("task_id", msg.ID),
	)
	logger := b.log.With(logctx.Fields(ctx)...)
	ctx = logctx.With(ctx, logger)

	if !def.Options.AcksLate {
		logger.Debug("task_acknowledged", observability.F("late", false))
	}

	lost, err := b.run(ctx, logger, def.Handler, msg)

	var retry *RetryError
	switch {
	case lost:
		b.workerLost(logger, def, msg)
		return
	case errors.As(err, &retry):
		if msg.Attempt < def.Options.MaxRetries {
			next := msg
			next.Attempt++
			logger.Info("task_retry_scheduled",
				observability.F("attempt", next.Attempt),
				observability.F("countdown", retry.Countdown),
				observability.F("error", retry.Err),
			)
			b.count(msg.Task, ResultRetried)
			b.redeliver(next, retry.Countdown)
		} else {
			logger.Error("task_retries_exhausted",
				observability.F("attempts", msg.Attempt+1),
				observability.F("error", retry.Err),
			)
			b.count(msg.Task, ResultFailed)
		}
	case err != nil:
		logger.Error("task_failed", observability.F("error", err))
		b.count(msg.Task, ResultFailed)
	default:
		logger.Debug("task_succeeded")
		b.count(msg.Task, ResultSucceeded)
	}

	if def.Options.AcksLate {
		logger.Debug("task_acknowledged", observability.F("late", true))
	}
}

// run calls h and reports lost when it panicked or exited its goroutine.
func (b *Broker) run(ctx context.Context, logger observability.Logger, h Handler, msg Message) (lost bool, err error) {
	completed := false
	defer func() {
		if completed {
			return
		}
		lost = true
		logger.Error("task_worker_lost",
			observability.F("panic", recover()),
			observability.F("stack", string(debug.Stack())),
		)
	}()
	err = h(ctx, msg)
	completed = true
	return false, err
}

// workerLost settles a message whose handler died. A late-acked task that
// rejects on worker loss goes back on the queue; anything else is dropped.
func (b *Broker) workerLost(logger observability.Logger, def Definition, msg Message) {
	if !def.Options.AcksLate || !def.Options.RejectOnWorkerLost {
		logger.Warn("task_rejected",
			observability.F("reason", "worker_lost"),
			observability.F("acks_late", def.Options.AcksLate),
		)
		b.count(msg.Task, ResultRejected)
		return
	}
	if msg.Redelivered >= b.maxRedeliveries {
		logger.Error("task_rejected",
			observability.F("reason", "redeliveries_exhausted"),
			observability.F("redelivered", msg.Redelivered),
		)
		b.count(msg.Task, ResultRejected)
		return
	}
	next := msg
	next.Redelivered++
	logger.Warn("task_requeued", observability.F("redelivered", next.Redelivered))
	b.count(msg.Task, ResultRequeued)
	b.redeliver(next, 0)
}

// redeliver puts msg back on the queue after delay, off the handler
// goroutine so a full queue cannot block the worker slot it holds.
func (b *Broker) redeliver(msg Message, delay time.Duration) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-b.done:
				return
			}
		}
		select {
		case b.queue <- msg:
		case <-b.done:
		}
	}()
}

func (b *Broker) count(task string, r Result) {
	b.messages.Add(1,
		observability.L(observability.LabelTask, task),
		observability.L(observability.LabelResult, string(r)),
	)
}
