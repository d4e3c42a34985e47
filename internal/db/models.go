package db

import (
	"time"

	"gorm.io/datatypes"
)

// Issue lifecycle states.
const (
	IssueStatusOpen   = "open"
	IssueStatusWIP    = "wip"
	IssueStatusClosed = "closed"
)

// Rollup resolutions.
const (
	TimeframeMinute = "minute"
	TimeframeHour   = "hour"
	TimeframeDay    = "day"
)

// Alert rule types.
const (
	RuleNewIssue              = "new_issue"
	RuleErrorFrequency        = "error_frequency"
	RulePerformanceRegression = "performance_regression"
	RuleNPlusOne              = "n_plus_one"
)

// Incident severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Issue is the long-lived aggregate of every occurrence sharing a
// fingerprint. Exactly one row exists per (project_id, fingerprint).
type Issue struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID uint `gorm:"index;not null"`
	ProjectID uint `gorm:"uniqueIndex:idx_issue_project_fingerprint,priority:1;not null"`

	Fingerprint string `gorm:"uniqueIndex:idx_issue_project_fingerprint,priority:2;size:64;not null"`

	ExceptionClass   string `gorm:"size:255;not null"`
	TopFrame         string `gorm:"size:1024"`
	ControllerAction string `gorm:"size:255"`

	Count  int64  `gorm:"not null;default:0"`
	Status string `gorm:"size:16;index;not null"`

	FirstSeenAt time.Time `gorm:"index;not null"`
	LastSeenAt  time.Time `gorm:"index;not null"`

	SampleMessage string  `gorm:"type:text"`
	AISummary     *string `gorm:"column:ai_summary;type:text"`
}

// Event is a single error occurrence. Immutable once written, except for
// reassignment to another Issue during a fingerprint merge.
type Event struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	// ExpiresAt is when the retention sweep may delete this event.
	ExpiresAt *time.Time `gorm:"index"`

	AccountID uint `gorm:"index;not null"`
	ProjectID uint `gorm:"index;not null"`
	IssueID   uint `gorm:"index;not null"`

	ExceptionClass   string    `gorm:"size:255;not null"`
	Message          string    `gorm:"type:text"`
	ControllerAction string    `gorm:"size:255"`
	Environment      string    `gorm:"size:64;index"`
	OccurredAt       time.Time `gorm:"index;not null"`
	BatchID          string    `gorm:"size:64;index"`

	Backtrace datatypes.JSON    `gorm:"type:json"`
	Context   datatypes.JSONMap `gorm:"type:json"`
	Tags      datatypes.JSONMap `gorm:"type:json"`
}

// Release records a deploy. Unique per (project, version, environment).
type Release struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	AccountID   uint   `gorm:"index;not null"`
	ProjectID   uint   `gorm:"uniqueIndex:idx_release_version_env,priority:1;not null"`
	Version     string `gorm:"uniqueIndex:idx_release_version_env,priority:2;size:128;not null"`
	Environment string `gorm:"uniqueIndex:idx_release_version_env,priority:3;size:64;not null"`
	CommitSHA   string `gorm:"size:64"`
	ReleasedAt  time.Time
}

// PerfRollup is one time bucket of performance samples for a target.
// Timestamp is always truncated to the bucket boundary (UTC).
type PerfRollup struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	AccountID   uint      `gorm:"index;not null"`
	ProjectID   uint      `gorm:"uniqueIndex:idx_perf_rollup_bucket,priority:1;not null"`
	Target      string    `gorm:"uniqueIndex:idx_perf_rollup_bucket,priority:2;size:255;not null"`
	Environment string    `gorm:"uniqueIndex:idx_perf_rollup_bucket,priority:3;size:64;not null"`
	Timeframe   string    `gorm:"uniqueIndex:idx_perf_rollup_bucket,priority:4;size:8;not null"`
	Timestamp   time.Time `gorm:"column:bucket_start;uniqueIndex:idx_perf_rollup_bucket,priority:5;index;not null"`

	RequestCount  int64   `gorm:"not null"`
	ErrorCount    int64   `gorm:"not null"`
	DurationSumMs float64 `gorm:"not null"`
	AvgDurationMs float64 `gorm:"not null"`
	MinDurationMs float64 `gorm:"not null"`
	MaxDurationMs float64 `gorm:"not null"`
	P50DurationMs float64 `gorm:"column:p50_duration_ms;not null"`
	P95DurationMs float64 `gorm:"column:p95_duration_ms;not null"`
	P99DurationMs float64 `gorm:"column:p99_duration_ms;not null"`

	// Histogram is the serialized streaming histogram for this bucket.
	Histogram datatypes.JSON `gorm:"type:json"`
}

// SqlFingerprint aggregates executions of one normalized query shape.
type SqlFingerprint struct {
	ID uint `gorm:"primaryKey"`

	AccountID   uint   `gorm:"index;not null"`
	ProjectID   uint   `gorm:"uniqueIndex:idx_sql_fingerprint,priority:1;not null"`
	Fingerprint string `gorm:"uniqueIndex:idx_sql_fingerprint,priority:2;size:64;not null"`

	NormalizedQuery string `gorm:"type:text"`
	Target          string `gorm:"size:255"`

	TotalCount      int64   `gorm:"not null"`
	TotalDurationMs float64 `gorm:"not null"`
	AvgDurationMs   float64 `gorm:"not null"`
	MaxDurationMs   float64 `gorm:"not null"`

	NPlusOne             bool  `gorm:"column:n_plus_one;not null"`
	NPlusOneOccurrences  int64 `gorm:"column:n_plus_one_occurrences;not null"`
	MaxRepeatsPerRequest int64 `gorm:"not null"`
	Slow                 bool  `gorm:"not null"`

	FirstSeenAt time.Time `gorm:"not null"`
	LastSeenAt  time.Time `gorm:"not null"`
}

// PerformanceIncident is opened when a target regresses and closed when it
// recovers. At most one open incident exists per (project, target, env).
type PerformanceIncident struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID   uint   `gorm:"index;not null"`
	ProjectID   uint   `gorm:"index;not null"`
	Target      string `gorm:"size:255;index;not null"`
	Environment string `gorm:"size:64;not null"`

	Severity      string  `gorm:"size:16;not null"`
	TriggerP95Ms  float64 `gorm:"column:trigger_p95_ms;not null"`
	PeakP95Ms     float64 `gorm:"column:peak_p95_ms;not null"`
	ThresholdMs   float64 `gorm:"not null"`
	BaselineP95Ms float64 `gorm:"column:baseline_p95_ms;not null"`
	BreachCount   int     `gorm:"not null"`

	OpenedAt time.Time  `gorm:"not null"`
	ClosedAt *time.Time `gorm:"index"`
}

// PerfBaseline caches the historical p95 of a target and holds the
// consecutive-breach counter of the regression state machine.
type PerfBaseline struct {
	ID uint `gorm:"primaryKey"`

	AccountID   uint   `gorm:"index;not null"`
	ProjectID   uint   `gorm:"uniqueIndex:idx_perf_baseline,priority:1;not null"`
	Target      string `gorm:"uniqueIndex:idx_perf_baseline,priority:2;size:255;not null"`
	Environment string `gorm:"uniqueIndex:idx_perf_baseline,priority:3;size:64;not null"`

	P95Ms       float64   `gorm:"column:p95_ms;not null"`
	SampleCount int64     `gorm:"not null"`
	ComputedAt  time.Time `gorm:"not null"`

	ConsecutiveBreaches int        `gorm:"not null"`
	LastEvaluatedAt     *time.Time
}

// AlertRule configures when a project is notified.
type AlertRule struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID uint `gorm:"index;not null"`
	ProjectID uint `gorm:"index;not null"`

	Name              string  `gorm:"size:128;not null"`
	RuleType          string  `gorm:"size:32;index;not null"`
	ThresholdValue    float64 `gorm:"not null"`
	TimeWindowMinutes int     `gorm:"not null"`
	CooldownMinutes   int     `gorm:"not null"`
	Enabled           bool    `gorm:"not null"`

	// Channel is "log" or "slack"; Destination is channel specific
	// (e.g. a Slack webhook URL). Empty destination uses the global default.
	Channel     string `gorm:"size:16;not null"`
	Destination string `gorm:"size:512"`
}

// AlertCooldown records when a rule last fired for a target key. Rows are
// claimed with a conditional update so only one worker fires per cooldown.
type AlertCooldown struct {
	ID uint `gorm:"primaryKey"`

	RuleID      uint      `gorm:"uniqueIndex:idx_alert_cooldown,priority:1;not null"`
	TargetKey   string    `gorm:"uniqueIndex:idx_alert_cooldown,priority:2;size:255;not null"`
	LastFiredAt time.Time `gorm:"not null"`
}

// AlertNotification is the audit trail of dispatch decisions.
type AlertNotification struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	AccountID uint `gorm:"index;not null"`
	ProjectID uint `gorm:"index;not null"`
	RuleID    uint `gorm:"index;not null"`

	RuleType  string `gorm:"size:32;not null"`
	TargetKey string `gorm:"size:255;not null"`
	Status    string `gorm:"size:32;not null"`
	Title     string `gorm:"size:255"`
	Body      string `gorm:"type:text"`

	Payload datatypes.JSONMap `gorm:"type:json"`
	SentAt  *time.Time
}
