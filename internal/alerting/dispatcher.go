// Package alerting evaluates alert rules against issue and detector
// activity, enforces per-target cooldowns and a per-project dispatch rate,
// and hands notifications to a channel.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/db"
	"apmingest/internal/metrics"
	"apmingest/internal/tenant"
)

// Dispatch outcomes recorded in alert_notifications.
const (
	StatusSent               = "sent"
	StatusFailed             = "failed"
	StatusSuppressedCooldown = "suppressed_cooldown"
	StatusSuppressedRate     = "suppressed_rate"
)

// Options configures a Dispatcher.
type Options struct {
	// RatePerMinute and Burst bound notifications per project.
	RatePerMinute float64
	Burst         int
}

// Dispatcher decides whether an event should notify and delivers it.
// It implements the issue and detector hooks.
type Dispatcher struct {
	db        *gorm.DB
	logger    *zap.Logger
	notifiers map[string]Notifier

	limiters map[uint]*rate.Limiter
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int

	now func() time.Time
}

// NewDispatcher creates a Dispatcher. notifiers maps a rule channel to its
// notifier; rules on an unknown channel fall back to ChannelLog.
func NewDispatcher(gdb *gorm.DB, opts Options, notifiers map[string]Notifier, logger *zap.Logger) *Dispatcher {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 30
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	logger = logger.Named("alerting")
	if notifiers == nil {
		notifiers = map[string]Notifier{}
	}
	if _, ok := notifiers[ChannelLog]; !ok {
		notifiers[ChannelLog] = NewLogNotifier(logger)
	}
	return &Dispatcher{
		db:        gdb,
		logger:    logger,
		notifiers: notifiers,
		limiters:  make(map[uint]*rate.Limiter),
		limit:     rate.Limit(opts.RatePerMinute / 60),
		burst:     opts.Burst,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// limiter returns the project's dispatch limiter, creating it on first use.
func (d *Dispatcher) limiter(projectID uint) *rate.Limiter {
	d.mu.RLock()
	l, ok := d.limiters[projectID]
	d.mu.RUnlock()
	if ok {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok = d.limiters[projectID]; ok {
		return l
	}
	l = rate.NewLimiter(d.limit, d.burst)
	d.limiters[projectID] = l
	return l
}

func (d *Dispatcher) rules(ctx context.Context, tc tenant.Context, ruleType string) ([]db.AlertRule, error) {
	var out []db.AlertRule
	err := db.Scoped(d.db.WithContext(ctx), tc).
		Where("rule_type = ? AND enabled = ?", ruleType, true).
		Order("id").
		Find(&out).Error
	return out, errors.Wrap(err, "loading alert rules")
}

// alert is one candidate notification before rule evaluation.
type alert struct {
	targetKey    string
	severity     string
	title        string
	body         string
	fields       map[string]any
	skipCooldown bool
}

// dispatch runs the cooldown, rate and delivery steps for one rule and
// records the decision. It returns the recorded status.
func (d *Dispatcher) dispatch(ctx context.Context, tc tenant.Context, rule *db.AlertRule, a alert) (string, error) {
	now := d.now()
	status := StatusSent

	claimed := true
	if !a.skipCooldown && rule.CooldownMinutes > 0 {
		var err error
		claimed, err = d.claimCooldown(ctx, rule, a.targetKey, now)
		if err != nil {
			return "", err
		}
	}

	var deliveryErr error
	switch {
	case !claimed:
		status = StatusSuppressedCooldown
	case !d.limiter(tc.ProjectID).AllowN(now, 1):
		status = StatusSuppressedRate
	default:
		notifier, ok := d.notifiers[rule.Channel]
		if !ok {
			notifier = d.notifiers[ChannelLog]
		}
		deliveryErr = notifier.Notify(ctx, Notification{
			ProjectID:   tc.ProjectID,
			RuleID:      rule.ID,
			RuleType:    rule.RuleType,
			TargetKey:   a.targetKey,
			Severity:    a.severity,
			Title:       a.title,
			Body:        a.body,
			Fields:      a.fields,
			Destination: rule.Destination,
		})
		if deliveryErr != nil {
			status = StatusFailed
		}
	}

	record := db.AlertNotification{
		AccountID: tc.AccountID,
		ProjectID: tc.ProjectID,
		RuleID:    rule.ID,
		RuleType:  rule.RuleType,
		TargetKey: a.targetKey,
		Status:    status,
		Title:     a.title,
		Body:      a.body,
		Payload:   datatypes.JSONMap(a.fields),
	}
	if status == StatusSent {
		record.SentAt = &now
	}
	if deliveryErr != nil {
		record.Body = a.body + "\n\ndelivery error: " + deliveryErr.Error()
	}
	if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
		return status, errors.Wrap(err, "recording notification")
	}

	metrics.Alerts.WithLabelValues(metrics.Project(tc.ProjectID), rule.RuleType, status).Inc()
	if deliveryErr != nil {
		d.logger.Warn("alert delivery failed",
			zap.Uint("project_id", tc.ProjectID),
			zap.Uint("rule_id", rule.ID),
			zap.String("channel", rule.Channel),
			zap.Error(deliveryErr),
		)
	}
	return status, nil
}

// claimCooldown atomically takes the (rule, target) cooldown slot. It
// returns false while a previous firing is still cooling down.
func (d *Dispatcher) claimCooldown(ctx context.Context, rule *db.AlertRule, targetKey string, now time.Time) (bool, error) {
	q := d.db.WithContext(ctx)
	res := q.Clauses(clause.OnConflict{DoNothing: true}).Create(&db.AlertCooldown{
		RuleID:      rule.ID,
		TargetKey:   targetKey,
		LastFiredAt: now,
	})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "claiming cooldown")
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	cutoff := now.Add(-time.Duration(rule.CooldownMinutes) * time.Minute)
	res = q.Model(&db.AlertCooldown{}).
		Where("rule_id = ? AND target_key = ? AND last_fired_at <= ?", rule.ID, targetKey, cutoff).
		Update("last_fired_at", now)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "renewing cooldown")
	}
	return res.RowsAffected == 1, nil
}

// fire evaluates every enabled rule of ruleType. match filters rules by
// threshold; nil matches all.
func (d *Dispatcher) fire(ctx context.Context, tc tenant.Context, ruleType string, match func(*db.AlertRule) bool, a alert) {
	rules, err := d.rules(ctx, tc, ruleType)
	if err != nil {
		d.logger.Error("alert rules unavailable", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
		return
	}
	for i := range rules {
		rule := &rules[i]
		if match != nil && !match(rule) {
			continue
		}
		if _, err := d.dispatch(ctx, tc, rule, a); err != nil {
			d.logger.Error("alert dispatch failed",
				zap.Uint("project_id", tc.ProjectID),
				zap.Uint("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}
}

// IssueCreated fires new_issue rules.
func (d *Dispatcher) IssueCreated(ctx context.Context, tc tenant.Context, issue *db.Issue) {
	d.fire(ctx, tc, db.RuleNewIssue, nil, alert{
		targetKey: fmt.Sprintf("issue:%d", issue.ID),
		title:     fmt.Sprintf("New issue: %s", issue.ExceptionClass),
		body:      issue.SampleMessage,
		fields: map[string]any{
			"issue_id":          issue.ID,
			"top_frame":         issue.TopFrame,
			"controller_action": issue.ControllerAction,
		},
	})
}

// IssueRecurred fires error_frequency rules whose threshold the issue's
// event count inside the rule window has reached.
func (d *Dispatcher) IssueRecurred(ctx context.Context, tc tenant.Context, issue *db.Issue) {
	rules, err := d.rules(ctx, tc, db.RuleErrorFrequency)
	if err != nil || len(rules) == 0 {
		if err != nil {
			d.logger.Error("alert rules unavailable", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
		}
		return
	}
	now := d.now()
	for i := range rules {
		rule := &rules[i]
		window := time.Duration(rule.TimeWindowMinutes) * time.Minute
		if window <= 0 {
			window = time.Hour
		}
		var count int64
		err := db.Scoped(d.db.WithContext(ctx).Model(&db.Event{}), tc).
			Where("issue_id = ? AND occurred_at >= ?", issue.ID, now.Add(-window)).
			Count(&count).Error
		if err != nil {
			d.logger.Error("counting issue events", zap.Uint("issue_id", issue.ID), zap.Error(err))
			continue
		}
		if float64(count) < rule.ThresholdValue {
			continue
		}
		a := alert{
			targetKey: fmt.Sprintf("issue:%d", issue.ID),
			title:     fmt.Sprintf("%s occurred %d times in %s", issue.ExceptionClass, count, window),
			body:      issue.SampleMessage,
			fields: map[string]any{
				"issue_id":    issue.ID,
				"count":       count,
				"total_count": issue.Count,
				"threshold":   rule.ThresholdValue,
			},
		}
		if _, err := d.dispatch(ctx, tc, rule, a); err != nil {
			d.logger.Error("alert dispatch failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
		}
	}
}

// RegressionOpened fires performance_regression rules. Rules with a
// threshold only fire when p95 is at least that many times the baseline.
func (d *Dispatcher) RegressionOpened(ctx context.Context, tc tenant.Context, inc *db.PerformanceIncident) {
	ratio := 0.0
	if inc.BaselineP95Ms > 0 {
		ratio = inc.TriggerP95Ms / inc.BaselineP95Ms
	}
	d.fire(ctx, tc, db.RulePerformanceRegression,
		func(r *db.AlertRule) bool { return ratio >= r.ThresholdValue },
		alert{
			targetKey: fmt.Sprintf("regression:%s|%s", inc.Target, inc.Environment),
			severity:  inc.Severity,
			title:     fmt.Sprintf("Performance regression on %s (%s)", inc.Target, inc.Severity),
			body: fmt.Sprintf("p95 %.1fms against a baseline of %.1fms (threshold %.1fms)",
				inc.TriggerP95Ms, inc.BaselineP95Ms, inc.ThresholdMs),
			fields: map[string]any{
				"incident_id": inc.ID,
				"environment": inc.Environment,
				"p95_ms":      inc.TriggerP95Ms,
				"baseline_ms": inc.BaselineP95Ms,
			},
		})
}

// RegressionResolved sends the resolution of an incident. Each incident
// resolves once, so cooldowns do not apply.
func (d *Dispatcher) RegressionResolved(ctx context.Context, tc tenant.Context, inc *db.PerformanceIncident) {
	d.fire(ctx, tc, db.RulePerformanceRegression, nil, alert{
		targetKey:    fmt.Sprintf("regression-resolved:%d", inc.ID),
		severity:     "resolved",
		title:        fmt.Sprintf("Performance recovered on %s", inc.Target),
		body:         fmt.Sprintf("peak p95 was %.1fms against a baseline of %.1fms", inc.PeakP95Ms, inc.BaselineP95Ms),
		skipCooldown: true,
		fields: map[string]any{
			"incident_id": inc.ID,
			"environment": inc.Environment,
		},
	})
}

// NPlusOneDetected fires n_plus_one rules whose threshold the repeat count
// has reached.
func (d *Dispatcher) NPlusOneDetected(ctx context.Context, tc tenant.Context, fp *db.SqlFingerprint, repeats int64, target string) {
	d.fire(ctx, tc, db.RuleNPlusOne,
		func(r *db.AlertRule) bool { return float64(repeats) >= r.ThresholdValue },
		alert{
			targetKey: "sql:" + fp.Fingerprint,
			title:     fmt.Sprintf("N+1 query in %s", target),
			body:      fp.NormalizedQuery,
			fields: map[string]any{
				"repeats":   repeats,
				"target":    target,
				"avg_ms":    fp.AvgDurationMs,
				"total_run": fp.TotalCount,
			},
		})
}

// Notifications returns the tenant's most recent dispatch decisions.
func Notifications(ctx context.Context, gdb *gorm.DB, tc tenant.Context, limit int) ([]db.AlertNotification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []db.AlertNotification
	err := db.Scoped(gdb.WithContext(ctx), tc).Order("id DESC").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "listing notifications")
}
