package handlers

import (
	"encoding/json"
	"time"

	dbpkg "apmingest/internal/db"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func issueView(i *dbpkg.Issue) map[string]any {
	return map[string]any{
		"id":                i.ID,
		"project_id":        i.ProjectID,
		"fingerprint":       i.Fingerprint,
		"exception_class":   i.ExceptionClass,
		"top_frame":         i.TopFrame,
		"controller_action": i.ControllerAction,
		"count":             i.Count,
		"status":            i.Status,
		"first_seen_at":     formatTime(i.FirstSeenAt),
		"last_seen_at":      formatTime(i.LastSeenAt),
		"sample_message":    i.SampleMessage,
		"ai_summary":        i.AISummary,
	}
}

func eventView(e *dbpkg.Event) map[string]any {
	var backtrace any
	if len(e.Backtrace) > 0 {
		_ = json.Unmarshal(e.Backtrace, &backtrace)
	}
	return map[string]any{
		"id":                e.ID,
		"issue_id":          e.IssueID,
		"exception_class":   e.ExceptionClass,
		"message":           e.Message,
		"controller_action": e.ControllerAction,
		"environment":       e.Environment,
		"occurred_at":       formatTime(e.OccurredAt),
		"expires_at":        formatTimePtr(e.ExpiresAt),
		"batch_id":          e.BatchID,
		"backtrace":         backtrace,
		"context":           e.Context,
		"tags":              e.Tags,
	}
}

func rollupView(r *dbpkg.PerfRollup) map[string]any {
	return map[string]any{
		"target":          r.Target,
		"environment":     r.Environment,
		"timeframe":       r.Timeframe,
		"bucket_start":    formatTime(r.Timestamp),
		"request_count":   r.RequestCount,
		"error_count":     r.ErrorCount,
		"avg_duration_ms": r.AvgDurationMs,
		"min_duration_ms": r.MinDurationMs,
		"max_duration_ms": r.MaxDurationMs,
		"p50_duration_ms": r.P50DurationMs,
		"p95_duration_ms": r.P95DurationMs,
		"p99_duration_ms": r.P99DurationMs,
	}
}

func queryView(q *dbpkg.SqlFingerprint) map[string]any {
	return map[string]any{
		"fingerprint":             q.Fingerprint,
		"normalized_query":        q.NormalizedQuery,
		"target":                  q.Target,
		"total_count":             q.TotalCount,
		"total_duration_ms":       q.TotalDurationMs,
		"avg_duration_ms":         q.AvgDurationMs,
		"max_duration_ms":         q.MaxDurationMs,
		"n_plus_one":              q.NPlusOne,
		"n_plus_one_occurrences":  q.NPlusOneOccurrences,
		"max_repeats_per_request": q.MaxRepeatsPerRequest,
		"slow":                    q.Slow,
		"first_seen_at":           formatTime(q.FirstSeenAt),
		"last_seen_at":            formatTime(q.LastSeenAt),
	}
}

func incidentView(i *dbpkg.PerformanceIncident) map[string]any {
	return map[string]any{
		"id":              i.ID,
		"target":          i.Target,
		"environment":     i.Environment,
		"severity":        i.Severity,
		"trigger_p95_ms":  i.TriggerP95Ms,
		"peak_p95_ms":     i.PeakP95Ms,
		"threshold_ms":    i.ThresholdMs,
		"baseline_p95_ms": i.BaselineP95Ms,
		"breach_count":    i.BreachCount,
		"opened_at":       formatTime(i.OpenedAt),
		"closed_at":       formatTimePtr(i.ClosedAt),
	}
}

func notificationView(n *dbpkg.AlertNotification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"rule_id":    n.RuleID,
		"rule_type":  n.RuleType,
		"target_key": n.TargetKey,
		"status":     n.Status,
		"title":      n.Title,
		"body":       n.Body,
		"created_at": formatTime(n.CreatedAt),
		"sent_at":    formatTimePtr(n.SentAt),
	}
}
