package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"apmingest/internal/db"
	"apmingest/internal/issues"
	"apmingest/internal/normalize"
	"apmingest/internal/tenant"
	"apmingest/internal/testutil"
)

type captured struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (c *captured) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type fixture struct {
	db   *gorm.DB
	tc   tenant.Context
	sink *captured
	d    *Dispatcher
	now  time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	gdb := testutil.DB(t)
	_, _, tc := testutil.Project(t, gdb, "acme", "shop")
	f := &fixture{
		db:   gdb,
		tc:   tc,
		sink: &captured{},
		now:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	f.d = NewDispatcher(gdb, opts, map[string]Notifier{ChannelLog: f.sink}, testutil.Logger(t))
	f.d.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) statuses(t *testing.T, ruleType string) []string {
	t.Helper()
	var rows []db.AlertNotification
	require.NoError(t, f.db.Where("rule_type = ?", ruleType).Order("id").Find(&rows).Error)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Status)
	}
	return out
}

func incident(id uint) *db.PerformanceIncident {
	return &db.PerformanceIncident{
		ID:            id,
		Target:        "OrdersController#index",
		Environment:   "production",
		Severity:      db.SeverityWarning,
		TriggerP95Ms:  320,
		PeakP95Ms:     410,
		ThresholdMs:   150,
		BaselineP95Ms: 100,
	}
}

func TestIssueCreatedNotifies(t *testing.T) {
	f := newFixture(t, Options{})
	issue := &db.Issue{ID: 7, ExceptionClass: "NoMethodError", SampleMessage: "undefined method"}

	f.d.IssueCreated(context.Background(), f.tc, issue)

	require.Equal(t, 1, f.sink.count())
	n := f.sink.got[0]
	assert.Equal(t, db.RuleNewIssue, n.RuleType)
	assert.Equal(t, "issue:7", n.TargetKey)
	assert.Contains(t, n.Title, "NoMethodError")
	assert.Equal(t, []string{StatusSent}, f.statuses(t, db.RuleNewIssue))
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.d.RegressionOpened(ctx, f.tc, incident(1))
	f.d.RegressionOpened(ctx, f.tc, incident(2))
	assert.Equal(t, 1, f.sink.count())

	// Default regression cooldown is 30 minutes.
	f.now = f.now.Add(31 * time.Minute)
	f.d.RegressionOpened(ctx, f.tc, incident(3))
	assert.Equal(t, 2, f.sink.count())

	assert.Equal(t,
		[]string{StatusSent, StatusSuppressedCooldown, StatusSent},
		f.statuses(t, db.RulePerformanceRegression))
}

func TestCooldownClaimIsAtomic(t *testing.T) {
	f := newFixture(t, Options{Burst: 100, RatePerMinute: 600})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.d.RegressionOpened(context.Background(), f.tc, incident(uint(i+1)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, f.sink.count())
}

func TestResolutionBypassesCooldown(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.d.RegressionOpened(ctx, f.tc, incident(1))
	f.d.RegressionResolved(ctx, f.tc, incident(1))
	require.Equal(t, 2, f.sink.count())
	assert.Equal(t, "resolved", f.sink.got[1].Severity)
}

func TestRateLimitPerProject(t *testing.T) {
	f := newFixture(t, Options{RatePerMinute: 1, Burst: 2})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		f.d.IssueCreated(ctx, f.tc, &db.Issue{ID: uint(i), ExceptionClass: "E"})
	}
	assert.Equal(t, 2, f.sink.count())
	assert.Equal(t,
		[]string{StatusSent, StatusSent, StatusSuppressedRate},
		f.statuses(t, db.RuleNewIssue))

	// Another project has its own budget.
	_, _, other := testutil.Project(t, f.db, "globex", "api")
	f.d.IssueCreated(ctx, other, &db.Issue{ID: 99, ExceptionClass: "E"})
	assert.Equal(t, 3, f.sink.count())
}

func TestDeliveryFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Options{})
	f.sink.err = errors.New("smtp down")

	f.d.IssueCreated(context.Background(), f.tc, &db.Issue{ID: 1, ExceptionClass: "E"})

	var row db.AlertNotification
	require.NoError(t, f.db.First(&row).Error)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Nil(t, row.SentAt)
	assert.Contains(t, row.Body, "smtp down")
}

func TestDisabledRulesDoNotFire(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.db.Model(&db.AlertRule{}).
		Where("rule_type = ?", db.RuleNewIssue).
		Update("enabled", false).Error)

	f.d.IssueCreated(context.Background(), f.tc, &db.Issue{ID: 1, ExceptionClass: "E"})
	assert.Zero(t, f.sink.count())
	assert.Empty(t, f.statuses(t, db.RuleNewIssue))
}

func TestNPlusOneThreshold(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	fp := &db.SqlFingerprint{Fingerprint: "abc", NormalizedQuery: "select * from comments where post_id = ?"}

	// Default rule threshold is 3 repeats.
	f.d.NPlusOneDetected(ctx, f.tc, fp, 2, "PostsController#index")
	assert.Zero(t, f.sink.count())

	f.d.NPlusOneDetected(ctx, f.tc, fp, 5, "PostsController#index")
	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, "sql:abc", f.sink.got[0].TargetKey)
}

func TestErrorFrequencyThroughAggregator(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.db.Model(&db.AlertRule{}).
		Where("rule_type = ?", db.RuleErrorFrequency).
		Updates(map[string]any{"threshold_value": 3, "time_window_minutes": 10}).Error)

	agg := issues.NewAggregator(f.db, f.d, testutil.Logger(t))
	for i := 0; i < 4; i++ {
		ev := &normalize.ErrorEvent{
			ExceptionClass: "Timeout::Error",
			Message:        "execution expired",
			Backtrace:      []normalize.StackFrame{normalize.ParseFrame("app/services/payment.rb:12:in 'charge'")},
			Environment:    "production",
			OccurredAt:     f.now.Add(-time.Duration(i) * time.Minute),
		}
		ev.CulpritFrame = &ev.Backtrace[0]
		_, err := agg.Record(ctx, f.tc, ev, issues.RecordOptions{RetentionDays: 30})
		require.NoError(t, err)
	}

	// One new_issue alert, then error_frequency fires on the third event and
	// is held by its cooldown on the fourth.
	assert.Equal(t, []string{StatusSent}, f.statuses(t, db.RuleNewIssue))
	assert.Equal(t, []string{StatusSent, StatusSuppressedCooldown}, f.statuses(t, db.RuleErrorFrequency))
}

func TestSlackNotifierPostsWebhook(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.Notify(context.Background(), Notification{
		ProjectID: 3,
		RuleType:  db.RulePerformanceRegression,
		Severity:  "critical",
		Title:     "Performance regression on A#a",
		Body:      "p95 900ms",
		Fields:    map[string]any{"p95_ms": 900, "environment": "production"},
	})
	require.NoError(t, err)

	var msg struct {
		Text        string `json:"text"`
		Attachments []struct {
			Color  string `json:"color"`
			Fields []struct {
				Title string `json:"title"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "Performance regression on A#a", msg.Text)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "danger", msg.Attachments[0].Color)
	require.Len(t, msg.Attachments[0].Fields, 2)
	assert.Equal(t, "environment", msg.Attachments[0].Fields[0].Title)

	assert.Error(t, NewSlackNotifier("").Notify(context.Background(), Notification{}))
}
