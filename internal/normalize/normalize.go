package normalize

import (
	"strconv"
	"strings"
	"time"
)

// DefaultEnvironment is used when a payload names no environment.
const DefaultEnvironment = "production"

// Field fallback chains. Order: explicit top-level field, request context,
// job context, then the self-monitoring metadata/properties convention.
var (
	exceptionClassChain = chain{
		p("exception_class"), p("error_class"), p("class_name"),
		p("exception", "class"), p("exception", "class_name"), p("error", "class"),
		p("metadata", "exception_class"), p("metadata", "error_class"),
		p("properties", "exception_class"), p("properties", "error_class"),
	}
	messageChain = chain{
		p("message"), p("error_message"),
		p("exception", "message"), p("error", "message"),
		p("metadata", "message"), p("metadata", "error_message"),
		p("properties", "message"), p("properties", "error_message"),
	}
	backtraceChain = chain{
		p("backtrace"), p("stacktrace"), p("stack_trace"),
		p("exception", "backtrace"), p("error", "backtrace"),
		p("metadata", "backtrace"), p("properties", "backtrace"),
	}
	controllerActionChain = chain{
		p("controller_action"),
		p("context", "request", "controller_action"),
		p("metadata", "controller_action"), p("properties", "controller_action"),
	}
	jobClassChain = chain{
		p("job_class"), p("worker"),
		p("context", "job", "job_class"), p("context", "job", "class"), p("context", "job", "worker"),
		p("metadata", "job_class"), p("properties", "job_class"),
	}
	requestPathChain = chain{
		p("request_path"), p("path"),
		p("context", "request", "path"), p("context", "request", "request_path"),
		p("metadata", "request_path"), p("metadata", "path"),
		p("properties", "request_path"), p("properties", "path"),
	}
	requestMethodChain = chain{
		p("request_method"), p("method"),
		p("context", "request", "method"), p("context", "request", "request_method"),
		p("metadata", "method"), p("properties", "method"),
	}
	requestIDChain = chain{
		p("request_id"),
		p("context", "request", "request_id"), p("context", "request", "id"),
		p("context", "job", "job_id"), p("context", "job", "jid"),
		p("metadata", "request_id"), p("properties", "request_id"),
	}
	environmentChain = chain{
		p("environment"), p("env"),
		p("context", "environment"),
		p("metadata", "environment"), p("properties", "environment"),
	}
	occurredAtChain = chain{
		p("occurred_at"), p("timestamp"), p("time"),
		p("metadata", "occurred_at"), p("metadata", "timestamp"),
		p("properties", "occurred_at"), p("properties", "timestamp"),
	}
	durationChain = chain{
		p("duration_ms"), p("duration"),
		p("context", "request", "duration_ms"), p("context", "job", "duration_ms"),
		p("metadata", "duration_ms"), p("metadata", "duration"),
		p("properties", "duration_ms"), p("properties", "duration"),
	}
	dbDurationChain = chain{
		p("db_duration_ms"), p("db_runtime"), p("db"),
		p("metadata", "db_duration_ms"), p("metadata", "db_runtime"),
		p("properties", "db_duration_ms"), p("properties", "db_runtime"),
	}
	viewDurationChain = chain{
		p("view_duration_ms"), p("view_runtime"), p("view"),
		p("metadata", "view_duration_ms"), p("metadata", "view_runtime"),
		p("properties", "view_duration_ms"), p("properties", "view_runtime"),
	}
	allocationsChain = chain{
		p("allocations"),
		p("metadata", "allocations"), p("properties", "allocations"),
	}
	sqlCountChain = chain{
		p("sql_queries_count"), p("query_count"),
		p("metadata", "sql_queries_count"), p("properties", "sql_queries_count"),
	}
	sqlQueriesChain = chain{
		p("sql_queries"), p("queries"),
		p("metadata", "sql_queries"), p("properties", "sql_queries"),
	}
	statusChain = chain{
		p("status"), p("status_code"),
		p("context", "request", "status"),
		p("metadata", "status"), p("properties", "status"),
	}
	errorFlagChain = chain{
		p("error"), p("failed"),
		p("metadata", "error"), p("properties", "error"),
	}
	tagsChain = chain{p("tags"), p("metadata", "tags"), p("properties", "tags")}
)

// Normalize classifies raw and builds the matching canonical event.
// It returns ErrUnknownType for unclassifiable payloads and a
// *ValidationError when required fields are missing.
func Normalize(raw map[string]any, now time.Time) (Result, error) {
	return normalizeKind(Classify(raw), raw, now)
}

// NormalizeBatchItem is Normalize with ClassifyBatchItem detection.
func NormalizeBatchItem(raw map[string]any, now time.Time) (Result, error) {
	return normalizeKind(ClassifyBatchItem(raw), raw, now)
}

func normalizeKind(kind Kind, raw map[string]any, now time.Time) (Result, error) {
	switch kind {
	case KindError:
		ev, err := NormalizeError(raw, now)
		return Result{Kind: kind, Error: ev}, err
	case KindPerformance:
		ev, err := NormalizePerformance(raw, now)
		return Result{Kind: kind, Performance: ev}, err
	}
	return Result{}, ErrUnknownType
}

// NormalizeError builds an ErrorEvent. exception_class and message are
// required; everything else degrades to a default.
func NormalizeError(raw map[string]any, now time.Time) (*ErrorEvent, error) {
	ev := &ErrorEvent{
		ExceptionClass:   exceptionClassChain.str(raw),
		Message:          messageChain.str(raw),
		ControllerAction: errorOrigin(raw),
		Environment:      environment(raw),
		OccurredAt:       occurredAt(raw, now),
	}

	verr := &ValidationError{Kind: KindError}
	if ev.ExceptionClass == "" {
		verr.add("exception_class", "is required")
	}
	if ev.Message == "" {
		verr.add("message", "is required")
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}

	if v, ok := backtraceChain.value(raw); ok {
		ev.Backtrace = parseBacktrace(v)
		ev.CulpritFrame = culprit(ev.Backtrace)
	}
	if v, ok := get(raw, "context"); ok {
		ev.Context, _ = asMap(v)
	}
	if v, ok := tagsChain.value(raw); ok {
		ev.Tags = stringMap(v)
	}
	return ev, nil
}

// errorOrigin is the controller action for requests, or the job class for
// background jobs.
func errorOrigin(raw map[string]any) string {
	if s := requestOrigin(raw); s != "" {
		return s
	}
	return jobClassChain.str(raw)
}

// requestOrigin resolves controller_action; a "controller"/"action" pair is
// joined as Controller#action.
func requestOrigin(raw map[string]any) string {
	if s := controllerActionChain.str(raw); s != "" {
		return s
	}
	for _, scope := range []path{nil, p("context", "request"), p("metadata"), p("properties")} {
		m := raw
		if scope != nil {
			v, ok := lookup(raw, scope)
			if !ok {
				continue
			}
			if m, ok = asMap(v); !ok {
				continue
			}
		}
		c, _ := str(m, "controller")
		a, _ := str(m, "action")
		if c != "" && a != "" {
			return c + "#" + a
		}
	}
	return ""
}

// NormalizePerformance builds a PerformanceEvent. duration_ms and one of
// controller_action, job_class or request_path are required.
func NormalizePerformance(raw map[string]any, now time.Time) (*PerformanceEvent, error) {
	ev := &PerformanceEvent{
		ControllerAction: requestOrigin(raw),
		JobClass:         jobClassChain.str(raw),
		RequestPath:      requestPathChain.str(raw),
		RequestID:        requestIDChain.str(raw),
		Environment:      environment(raw),
		OccurredAt:       occurredAt(raw, now),
	}

	verr := &ValidationError{Kind: KindPerformance}
	d, present, valid := durationChain.float(raw)
	switch {
	case !present:
		verr.add("duration_ms", "is required")
	case !valid || d < 0:
		verr.add("duration_ms", "must be a non-negative number")
	default:
		ev.DurationMs = d
	}

	switch {
	case ev.ControllerAction != "":
		ev.Target = ev.ControllerAction
	case ev.JobClass != "":
		ev.Target = ev.JobClass
	case ev.RequestPath != "":
		ev.Target = ev.RequestPath
		if m := strings.ToUpper(requestMethodChain.str(raw)); m != "" {
			ev.Target = m + " " + ev.RequestPath
		}
	default:
		verr.add("target", "one of controller_action, job_class or request_path is required")
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}

	if f, ok, valid := dbDurationChain.float(raw); ok && valid {
		ev.DBDurationMs = &f
	}
	if f, ok, valid := viewDurationChain.float(raw); ok && valid {
		ev.ViewDurationMs = &f
	}
	if f, ok, valid := allocationsChain.float(raw); ok && valid {
		n := int64(f)
		ev.Allocations = &n
	}
	if v, ok := sqlQueriesChain.value(raw); ok {
		ev.SQLQueries = parseQueries(v)
	}
	if f, ok, valid := sqlCountChain.float(raw); ok && valid {
		n := int64(f)
		ev.SQLQueriesCount = &n
	} else if len(ev.SQLQueries) > 0 {
		n := int64(len(ev.SQLQueries))
		ev.SQLQueriesCount = &n
	}
	if f, ok, valid := statusChain.float(raw); ok && valid {
		ev.Status = int(f)
	}
	if v, ok := errorFlagChain.value(raw); ok {
		ev.Error = toBool(v)
	}
	if ev.Status >= 500 {
		ev.Error = true
	}
	return ev, nil
}

func parseQueries(v any) []SQLQuery {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]SQLQuery, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			if s := strings.TrimSpace(it); s != "" {
				out = append(out, SQLQuery{SQL: s})
			}
		case map[string]any:
			q := SQLQuery{}
			q.SQL, _ = str(it, "sql")
			if q.SQL == "" {
				q.SQL, _ = str(it, "query")
			}
			if q.SQL == "" {
				continue
			}
			for _, key := range []string{"duration_ms", "duration"} {
				if d, ok := get(it, key); ok {
					q.DurationMs, _ = toFloat(d)
					break
				}
			}
			out = append(out, q)
		}
	}
	return out
}

func environment(raw map[string]any) string {
	if s := environmentChain.str(raw); s != "" {
		return s
	}
	return DefaultEnvironment
}

func occurredAt(raw map[string]any, now time.Time) time.Time {
	if v, ok := occurredAtChain.value(raw); ok {
		if t, ok := parseTime(v); ok {
			return t
		}
	}
	return now.UTC()
}

// ProjectIDHint returns a project_id carried in the payload, if any. The
// authenticated project always wins; this is only used for logging mismatches.
func ProjectIDHint(raw map[string]any) (uint, bool) {
	v, ok := get(raw, "project_id")
	if !ok {
		return 0, false
	}
	s := scalarString(v)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}
