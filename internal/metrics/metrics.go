// Package metrics holds the Prometheus collectors of the pipeline. Per-project
// series carry a "project" label so one project's view can be filtered out.
package metrics

import (
	"io"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "apmingest"

// ProjectLabel is the label every per-project series carries.
const ProjectLabel = "project"

var (
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events received at the ingestion boundary.",
		},
		[]string{ProjectLabel, "kind", "result"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-credential rate limit.",
		},
		[]string{ProjectLabel},
	)
	IssuesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_created_total",
			Help:      "Issues created from a previously unseen fingerprint.",
		},
		[]string{ProjectLabel},
	)
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert dispatch decisions by rule type and outcome.",
		},
		[]string{ProjectLabel, "rule_type", "status"},
	)
	QueueFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_inline_fallbacks_total",
			Help:      "Tasks executed inline because the queue backend rejected them.",
		},
		[]string{"kind"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of task handler durations in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"kind", "mode", "result"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of API request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsReceived,
			RateLimited,
			IssuesCreated,
			Alerts,
			QueueFallbacks,
			TaskDuration,
			RequestDuration,
		)
	})
}

// Project formats a project id as a label value.
func Project(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// FilterProject keeps families without a project label as-is and reduces
// labelled families to the series of one project. Families left empty are
// dropped.
func FilterProject(families []*dto.MetricFamily, project string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		if !hasProjectLabel(mf) {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == ProjectLabel && l.GetValue() == project {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}

func hasProjectLabel(mf *dto.MetricFamily) bool {
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == ProjectLabel {
				return true
			}
		}
	}
	return false
}

// WriteText encodes families in the Prometheus text exposition format.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the content type WriteText produces.
func ContentType() string {
	return string(expfmt.FmtText)
}
