package observability

// DefaultNamespace prefixes every metric the module registers itself.
const DefaultNamespace = "notiq"

const (
	MRequests       MetricKey = "requests_total"
	MRequestLatency MetricKey = "request_latency_seconds"
)

// Label keys used by the call metrics.
const (
	LabelFunctionName = "function_name"
	LabelStatus       = "status"
)

// MTaskMessages counts task deliveries by outcome.
const MTaskMessages MetricKey = "tasks_messages_total"

const (
	LabelTask   = "task"
	LabelResult = "result"
)
