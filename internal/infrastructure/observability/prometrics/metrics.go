// Package prometrics resolves named Prometheus metrics, creating each one
// on first use and handing the same instance to every later caller.
package prometrics

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/notiq/notiq/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrKindMismatch   = errors.New("prometrics: metric already registered with a different kind")
	ErrInvalidBuckets = errors.New("prometrics: histogram buckets must be strictly increasing")
	ErrUnsupported    = errors.New("prometrics: existing collector has an unsupported type")
)

// DefaultBuckets are used for histograms resolved without explicit buckets.
var DefaultBuckets = prometheus.DefBuckets

type Kind int

const (
	KindCounter Kind = iota + 1
	KindGauge
	KindHistogram
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindSummary:
		return "summary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Spec identifies a metric. Two specs with the same Key resolve to the same
// handle whatever their other fields say.
type Spec struct {
	Name      string
	Namespace string
	Subsystem string
	Unit      string
	Labels    []string
	Help      string
}

// Key is the fully-qualified metric name: namespace, subsystem and name
// joined by '_' with empty parts dropped, then the unit as a suffix unless
// the name already ends with it.
func (s Spec) Key() string {
	key := prometheus.BuildFQName(s.Namespace, s.Subsystem, s.Name)
	if s.Unit != "" && !strings.HasSuffix(key, "_"+s.Unit) {
		key += "_" + s.Unit
	}
	return key
}

func (s Spec) help() string {
	if s.Help != "" {
		return s.Help
	}
	return s.Key()
}

// Handle is a registered metric. Add applies to counters and gauges,
// Observe to histograms and summaries (and sets a gauge); the other
// operation is a no-op for the kind.
type Handle interface {
	observability.Counter
	observability.Histogram
	Kind() Kind
	Key() string
	Collector() prometheus.Collector
	With(labels ...observability.Label) observability.Bound
}

type Option func(*Builder)

// WithStrictKinds makes Resolve fail with ErrKindMismatch instead of returning
// the first-registered handle of another kind.
func WithStrictKinds() Option {
	return func(b *Builder) { b.strict = true }
}

func WithLogger(l observability.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

type ResolveOption func(*resolveConfig)

type resolveConfig struct {
	buckets    []float64
	objectives map[float64]float64
}

// WithBuckets sets histogram bucket boundaries (ascending, strictly increasing).
func WithBuckets(buckets ...float64) ResolveOption {
	return func(c *resolveConfig) { c.buckets = buckets }
}

// WithObjectives sets summary quantile objectives.
func WithObjectives(objectives map[float64]float64) ResolveOption {
	return func(c *resolveConfig) { c.objectives = objectives }
}

// Builder is the process-scoped index of resolved metrics for one registerer.
type Builder struct {
	reg     prometheus.Registerer
	entries sync.Map // key -> *entry
	strict  bool
	log     observability.Logger
}

type entry struct {
	once sync.Once
	h    *handle
	err  error
}

// NewBuilder returns a builder registering into reg, or into
// prometheus.DefaultRegisterer when reg is nil.
func NewBuilder(reg prometheus.Registerer, opts ...Option) *Builder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	b := &Builder{reg: reg, log: observability.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve returns the handle registered under spec.Key(), creating and
// registering it on first use. Concurrent first calls for the same key all
// receive the single winning handle.
func (b *Builder) Resolve(spec Spec, kind Kind, opts ...ResolveOption) (Handle, error) {
	key := spec.Key()
	v, ok := b.entries.Load(key)
	if !ok {
		v, _ = b.entries.LoadOrStore(key, &entry{})
	}
	e := v.(*entry)
	e.once.Do(func() { e.h, e.err = b.create(spec, kind, opts) })
	return b.reuse(key, e, kind)
}

func (b *Builder) reuse(key string, e *entry, kind Kind) (Handle, error) {
	if e.err != nil {
		// let a later, corrected spec try again
		b.entries.CompareAndDelete(key, e)
		return nil, e.err
	}
	if e.h.kind != kind {
		if b.strict {
			return nil, fmt.Errorf("%w: %s is a %s, requested %s", ErrKindMismatch, key, e.h.kind, kind)
		}
		b.log.Debug("metric_kind_mismatch",
			observability.F("metric", key),
			observability.F("registered", e.h.kind.String()),
			observability.F("requested", kind.String()),
		)
	}
	return e.h, nil
}

func (b *Builder) Counter(spec Spec) (Handle, error) { return b.Resolve(spec, KindCounter) }
func (b *Builder) Gauge(spec Spec) (Handle, error)   { return b.Resolve(spec, KindGauge) }
func (b *Builder) Summary(spec Spec) (Handle, error) { return b.Resolve(spec, KindSummary) }

// Histogram resolves a histogram; with no buckets DefaultBuckets apply.
func (b *Builder) Histogram(spec Spec, buckets ...float64) (Handle, error) {
	if len(buckets) == 0 {
		return b.Resolve(spec, KindHistogram)
	}
	return b.Resolve(spec, KindHistogram, WithBuckets(buckets...))
}

func (b *Builder) create(spec Spec, kind Kind, opts []ResolveOption) (*handle, error) {
	var cfg resolveConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h, err := b.build(spec, kind, cfg)
	if err != nil {
		return nil, err
	}

	if err := b.reg.Register(h.collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register %s %s: %w", kind, spec.Key(), err)
		}
		// registered behind our back (another builder on the same registry)
		existing, adoptErr := b.adopt(spec.Key(), are.ExistingCollector)
		if adoptErr != nil {
			return nil, adoptErr
		}
		b.log.Debug("metric_adopted_existing", observability.F("metric", spec.Key()))
		return existing, nil
	}
	return h, nil
}

func (b *Builder) build(spec Spec, kind Kind, cfg resolveConfig) (*handle, error) {
	key := spec.Key()
	h := &handle{kind: kind, key: key, log: b.log}
	switch kind {
	case KindCounter:
		h.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: key, Help: spec.help()}, spec.Labels)
		h.collector = h.counter
	case KindGauge:
		h.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: key, Help: spec.help()}, spec.Labels)
		h.collector = h.gauge
	case KindHistogram:
		buckets := cfg.buckets
		if len(buckets) == 0 {
			buckets = DefaultBuckets
		}
		if err := checkBuckets(buckets); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: key, Help: spec.help(), Buckets: buckets}, spec.Labels)
		h.observer, h.collector = hv, hv
	case KindSummary:
		sv := prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: key, Help: spec.help(), Objectives: cfg.objectives}, spec.Labels)
		h.observer, h.collector = sv, sv
	default:
		return nil, fmt.Errorf("prometrics: unknown metric kind %s", kind)
	}
	return h, nil
}

func (b *Builder) adopt(key string, c prometheus.Collector) (*handle, error) {
	h := &handle{key: key, collector: c, log: b.log}
	switch v := c.(type) {
	case *prometheus.CounterVec:
		h.kind, h.counter = KindCounter, v
	case *prometheus.GaugeVec:
		h.kind, h.gauge = KindGauge, v
	case *prometheus.HistogramVec:
		h.kind, h.observer = KindHistogram, v
	case *prometheus.SummaryVec:
		h.kind, h.observer = KindSummary, v
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrUnsupported, key, c)
	}
	return h, nil
}

func checkBuckets(buckets []float64) error {
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			return fmt.Errorf("%w: %v", ErrInvalidBuckets, buckets)
		}
	}
	return nil
}

type handle struct {
	kind      Kind
	key       string
	collector prometheus.Collector
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	observer  prometheus.ObserverVec
	log       observability.Logger
}

func (h *handle) Kind() Kind                      { return h.kind }
func (h *handle) Key() string                     { return h.key }
func (h *handle) Collector() prometheus.Collector { return h.collector }

func (h *handle) Add(d float64, labels ...observability.Label) {
	h.add(d, labelMap(labels))
}

func (h *handle) Observe(v float64, labels ...observability.Label) {
	h.observe(v, labelMap(labels))
}

func (h *handle) With(labels ...observability.Label) observability.Bound {
	return &bound{h: h, labels: labelMap(labels)}
}

func (h *handle) add(d float64, labels prometheus.Labels) {
	switch {
	case h.counter != nil:
		c, err := h.counter.GetMetricWith(labels)
		if err != nil {
			h.labelError(err)
			return
		}
		c.Add(d)
	case h.gauge != nil:
		g, err := h.gauge.GetMetricWith(labels)
		if err != nil {
			h.labelError(err)
			return
		}
		g.Add(d)
	}
}

func (h *handle) observe(v float64, labels prometheus.Labels) {
	switch {
	case h.observer != nil:
		o, err := h.observer.GetMetricWith(labels)
		if err != nil {
			h.labelError(err)
			return
		}
		o.Observe(v)
	case h.gauge != nil:
		g, err := h.gauge.GetMetricWith(labels)
		if err != nil {
			h.labelError(err)
			return
		}
		g.Set(v)
	}
}

func (h *handle) labelError(err error) {
	h.log.Warn("metric_label_mismatch",
		observability.F("metric", h.key),
		observability.F("error", err),
	)
}

type bound struct {
	h      *handle
	labels prometheus.Labels
}

func (b *bound) Add(d float64) {
	if b == nil || b.h == nil {
		return
	}
	b.h.add(d, b.labels)
}

func (b *bound) Observe(v float64) {
	if b == nil || b.h == nil {
		return
	}
	b.h.observe(v, b.labels)
}

func labelMap(ls []observability.Label) prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}
