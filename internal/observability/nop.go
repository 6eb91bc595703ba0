package observability

type nopLogger struct{}

func (nopLogger) With(_ ...Field) Logger { return nopLogger{} }
func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// NopLogger returns a logger that discards all logs. Useful as a safe fallback.
func NopLogger() Logger { return nopLogger{} }

type nopMetric struct{}

func (nopMetric) Add(float64, ...Label)     {}
func (nopMetric) Observe(float64, ...Label) {}

// NopCounter returns a counter that drops every update.
func NopCounter() Counter { return nopMetric{} }

// NopHistogram returns a histogram that drops every observation.
func NopHistogram() Histogram { return nopMetric{} }

type nopBound struct{}

func (nopBound) Add(float64)     {}
func (nopBound) Observe(float64) {}

// NopBound returns a bound metric that drops every update.
func NopBound() Bound { return nopBound{} }
