package normalize

import "strings"

// PerformanceEventNames are `name` values that identify timing payloads.
var PerformanceEventNames = map[string]bool{
	"request":                          true,
	"request_completed":                true,
	"request.completed":                true,
	"controller_action":                true,
	"process_action":                   true,
	"process_action.action_controller": true,
	"perform.active_job":               true,
	"job_completed":                    true,
	"job_performed":                    true,
	"transaction":                      true,
	"performance":                      true,
}

// ErrorEventNames are `name` values that identify exception payloads.
var ErrorEventNames = map[string]bool{
	"error":               true,
	"exception":           true,
	"exception_raised":    true,
	"unhandled_exception": true,
	"job_failed":          true,
	"crash":               true,
}

var (
	errorTypeValues       = map[string]bool{"error": true, "exception": true, "crash": true}
	performanceTypeValues = map[string]bool{"performance": true, "perf": true, "transaction": true, "request": true, "job": true}
)

// Classify detects the payload kind. Detection order: explicit event_type,
// top-level type, then the name field against the known vocabularies.
// KindUnknown payloads are skipped by callers, not rejected.
func Classify(raw map[string]any) Kind {
	for _, key := range []string{"event_type", "type"} {
		v, ok := str(raw, key)
		if !ok {
			continue
		}
		v = strings.ToLower(v)
		switch {
		case errorTypeValues[v]:
			return KindError
		case performanceTypeValues[v]:
			return KindPerformance
		}
	}

	if name, ok := str(raw, "name"); ok {
		name = strings.ToLower(name)
		switch {
		case PerformanceEventNames[name]:
			return KindPerformance
		case strings.HasPrefix(name, "slow_"), strings.HasPrefix(name, "sidekiq"):
			return KindPerformance
		case ErrorEventNames[name]:
			return KindError
		case strings.Contains(name, "error"), strings.Contains(name, "exception"):
			return KindError
		}
	}
	return KindUnknown
}

// ClassifyBatchItem is Classify for batch items, which SDKs often send
// untyped. An item Classify cannot place is recognised by its required
// fields: exception_class means an error, a duration a performance sample.
func ClassifyBatchItem(raw map[string]any) Kind {
	if kind := Classify(raw); kind != KindUnknown {
		return kind
	}
	if exceptionClassChain.str(raw) != "" {
		return KindError
	}
	if _, ok := durationChain.value(raw); ok {
		return KindPerformance
	}
	return KindUnknown
}
