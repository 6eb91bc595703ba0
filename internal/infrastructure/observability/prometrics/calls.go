package prometrics

import "github.com/notiq/notiq/internal/observability"

// RequestCountSpec describes notiq_requests_total{function_name,status}.
func RequestCountSpec() Spec {
	return Spec{
		Name:      string(observability.MRequests),
		Namespace: observability.DefaultNamespace,
		Labels:    []string{observability.LabelFunctionName, observability.LabelStatus},
		Help:      "Total number of function calls",
	}
}

// RequestLatencySpec describes notiq_request_latency_seconds{function_name}.
func RequestLatencySpec() Spec {
	return Spec{
		Name:      string(observability.MRequestLatency),
		Namespace: observability.DefaultNamespace,
		Labels:    []string{observability.LabelFunctionName},
		Help:      "Time spent processing request",
	}
}

// CallMetrics resolves the call counter and latency histogram shared by
// every instrumented function.
func (b *Builder) CallMetrics() (count, latency Handle, err error) {
	if count, err = b.Counter(RequestCountSpec()); err != nil {
		return nil, nil, err
	}
	if latency, err = b.Histogram(RequestLatencySpec()); err != nil {
		return nil, nil, err
	}
	return count, latency, nil
}

// TaskMessagesSpec describes notiq_tasks_messages_total{task,result}.
func TaskMessagesSpec() Spec {
	return Spec{
		Name:      string(observability.MTaskMessages),
		Namespace: observability.DefaultNamespace,
		Labels:    []string{observability.LabelTask, observability.LabelResult},
		Help:      "Task deliveries by result",
	}
}
