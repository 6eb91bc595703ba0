package observability

// Counter is a thin wrapper to add to a metric.
type Counter interface {
	Add(delta float64, labels ...Label)
}

// Histogram is a thin wrapper to observe values.
type Histogram interface {
	Observe(value float64, labels ...Label)
}

// Bound is a metric with its label values fixed up front.
type Bound interface {
	Add(delta float64)
	Observe(value float64)
}

type Label struct{ Key, Value string }

func L(k, v string) Label { return Label{Key: k, Value: v} }

type Field struct {
	Key   string
	Value any
}

func F(k string, v any) Field { return Field{Key: k, Value: v} }

// Logger is a thin wrapper to log messages.
type Logger interface {
	With(fields ...Field) Logger
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type MetricKey string
