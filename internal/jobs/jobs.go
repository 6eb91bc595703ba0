// Package jobs holds the prebuilt background tasks. Each one is
// instrumented with a monitor and registered on a task queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/observability/logctx"
	"github.com/notiq/notiq/internal/taskqueue"
	"github.com/notiq/notiq/monitor"
)

const (
	TaskSendNotification = "notiq.send_notification"
	TaskProcessAnalytics = "notiq.process_analytics"

	MetricSendNotification = "task_send_notification"
	MetricAnalytics        = "task_analytics_aggregation"
)

const (
	defaultRetryBase        = 5 * time.Second
	defaultMaxRetries       = 3
	defaultAggregationDelay = 2 * time.Second
)

// Notifier delivers a message over a channel such as "email" or "slack".
type Notifier interface {
	Send(ctx context.Context, channel, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channel, message string) error

func (f NotifierFunc) Send(ctx context.Context, channel, message string) error {
	return f(ctx, channel, message)
}

// LogNotifier writes notifications to a logger instead of delivering them.
type LogNotifier struct{ Log observability.Logger }

func (n LogNotifier) Send(ctx context.Context, channel, message string) error {
	logctx.FromOr(ctx, n.Log).Info("notification_sent",
		observability.F("channel", channel),
		observability.F("message", message),
	)
	return nil
}

type options struct {
	notifier         Notifier
	retryBase        time.Duration
	maxRetries       int
	aggregationDelay time.Duration
	monitorOpts      []monitor.Option
}

type Option func(*options)

// WithNotifier sets where send_notification delivers (default: a LogNotifier).
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithRetryBackoff sets the first retry countdown of send_notification;
// later retries double it (default 5s).
func WithRetryBackoff(base time.Duration) Option {
	return func(o *options) { o.retryBase = base }
}

// WithMaxRetries bounds send_notification retries (default 3).
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithAggregationDelay sets how long process_analytics works (default 2s).
func WithAggregationDelay(d time.Duration) Option {
	return func(o *options) { o.aggregationDelay = d }
}

// WithMonitorOptions is passed to the monitor of every job.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) { o.monitorOpts = append(o.monitorOpts, opts...) }
}

// Register builds the prebuilt jobs and registers them on r.
func Register(r taskqueue.Registrar, log observability.Logger, opts ...Option) error {
	if log == nil {
		log = observability.NopLogger()
	}
	o := options{
		retryBase:        defaultRetryBase,
		maxRetries:       defaultMaxRetries,
		aggregationDelay: defaultAggregationDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = LogNotifier{Log: log}
	}

	notify, err := newSendNotification(o, log)
	if err != nil {
		return err
	}
	if err := taskqueue.Define(r, TaskSendNotification, notify, taskqueue.MaxRetries(o.maxRetries)); err != nil {
		return err
	}

	analytics, err := newProcessAnalytics(o, log)
	if err != nil {
		return err
	}
	return taskqueue.Define(r, TaskProcessAnalytics, analytics)
}

// NotificationArgs are the arguments of send_notification.
type NotificationArgs struct {
	ChannelType string `json:"channel_type"`
	Message     string `json:"message"`
}

func newSendNotification(o options, log observability.Logger) (taskqueue.Handler, error) {
	m, err := monitor.New(MetricSendNotification, o.monitorOpts...)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, msg taskqueue.Message) error {
		var args NotificationArgs
		if err := msg.Decode(&args); err != nil {
			return fmt.Errorf("decode %s args: %w", TaskSendNotification, err)
		}
		send := monitor.Func(m, func(ctx context.Context) (string, error) {
			if err := o.notifier.Send(ctx, args.ChannelType, args.Message); err != nil {
				return "", err
			}
			return "Sent via " + args.ChannelType, nil
		})
		result, err := send(ctx)
		if err != nil {
			return taskqueue.Retry(err, backoff(o.retryBase, msg.Attempt))
		}
		logctx.FromOr(ctx, log).Debug("notification_task_done", observability.F("result", result))
		return nil
	}, nil
}

// backoff is base, 2*base, 4*base... for attempts 0, 1, 2...
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << attempt
}

// AnalyticsArgs are the arguments of process_analytics.
type AnalyticsArgs struct {
	Date string `json:"date"`
}

// AnalyticsReport is what process_analytics produces for a day.
type AnalyticsReport struct {
	Date        string `json:"date"`
	Status      string `json:"status"`
	TotalEvents int    `json:"total_events"`
}

func newProcessAnalytics(o options, log observability.Logger) (taskqueue.Handler, error) {
	m, err := monitor.New(MetricAnalytics, o.monitorOpts...)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, msg taskqueue.Message) error {
		var args AnalyticsArgs
		if err := msg.Decode(&args); err != nil {
			return fmt.Errorf("decode %s args: %w", TaskProcessAnalytics, err)
		}
		aggregate := monitor.Func(m, func(ctx context.Context) (AnalyticsReport, error) {
			t := time.NewTimer(o.aggregationDelay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return AnalyticsReport{}, ctx.Err()
			}
			return AnalyticsReport{Date: args.Date, Status: "processed", TotalEvents: 1050}, nil
		})
		report, err := aggregate(ctx)
		if err != nil {
			return err
		}
		logctx.FromOr(ctx, log).Info("analytics_aggregated",
			observability.F("date", report.Date),
			observability.F("total_events", report.TotalEvents),
		)
		return nil
	}, nil
}
