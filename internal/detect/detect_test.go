package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"apmingest/internal/config"
	"apmingest/internal/db"
	"apmingest/internal/normalize"
	"apmingest/internal/rollup"
	"apmingest/internal/tenant"
	"apmingest/internal/testutil"
)

type recorder struct {
	mu       sync.Mutex
	opened   []db.PerformanceIncident
	resolved []db.PerformanceIncident
	nplusone []string
}

func (r *recorder) RegressionOpened(_ context.Context, _ tenant.Context, inc *db.PerformanceIncident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, *inc)
}

func (r *recorder) RegressionResolved(_ context.Context, _ tenant.Context, inc *db.PerformanceIncident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, *inc)
}

func (r *recorder) NPlusOneDetected(_ context.Context, _ tenant.Context, fp *db.SqlFingerprint, _ int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nplusone = append(r.nplusone, fp.NormalizedQuery)
}

var regressionConfig = RegressionConfig{
	Multiplier:         1.5,
	CriticalMultiplier: 3,
	BreachCount:        2,
	MinWindowRequests:  10,
	MinBaselineSamples: 100,
	BaselineDays:       7,
}

const target = "OrdersController#index"

func record(t *testing.T, engine *rollup.Engine, tc tenant.Context, at time.Time, n int, ms float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := &normalize.PerformanceEvent{
			Target:      target,
			DurationMs:  ms,
			Environment: "production",
			OccurredAt:  at.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, engine.Record(context.Background(), tc, ev))
	}
}

func setup(t *testing.T) (*gorm.DB, *rollup.Engine, tenant.Context) {
	gdb := testutil.DB(t)
	_, _, tc := testutil.Project(t, gdb, "acme", "shop")
	return gdb, rollup.NewEngine(gdb, testutil.Logger(t)), tc
}

func TestRegressionLifecycle(t *testing.T) {
	gdb, engine, tc := setup(t)
	rec := &recorder{}
	det := NewRegression(gdb, regressionConfig, rec, testutil.Logger(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	for h := 1; h <= 3; h++ {
		record(t, engine, tc, base.Add(-time.Duration(h)*time.Hour), 50, 100)
	}

	// First breaching window only arms the counter.
	record(t, engine, tc, base, 12, 200)
	rep, err := det.Evaluate(ctx, base.Add(70*time.Second))
	require.NoError(t, err)
	assert.Equal(t, base, rep.Window)
	assert.Equal(t, 1, rep.Evaluated)
	assert.Zero(t, rep.Opened)

	var bl db.PerfBaseline
	require.NoError(t, gdb.First(&bl).Error)
	assert.Equal(t, int64(150), bl.SampleCount)
	assert.InDelta(t, 100, bl.P95Ms, 1)
	assert.Equal(t, 1, bl.ConsecutiveBreaches)

	// Re-running the same window changes nothing.
	rep, err = det.Evaluate(ctx, base.Add(75*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	require.NoError(t, gdb.First(&bl).Error)
	assert.Equal(t, 1, bl.ConsecutiveBreaches)

	// Second consecutive breach opens a critical incident.
	record(t, engine, tc, base.Add(time.Minute), 12, 400)
	rep, err = det.Evaluate(ctx, base.Add(130*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Opened)
	require.Len(t, rec.opened, 1)
	assert.Equal(t, db.SeverityCritical, rec.opened[0].Severity)
	assert.Equal(t, 2, rec.opened[0].BreachCount)
	assert.InDelta(t, 150, rec.opened[0].ThresholdMs, 2)

	open, err := OpenIncidents(ctx, gdb, tc)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Recovery closes it.
	record(t, engine, tc, base.Add(2*time.Minute), 12, 100)
	rep, err = det.Evaluate(ctx, base.Add(190*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	require.Len(t, rec.resolved, 1)
	assert.NotNil(t, rec.resolved[0].ClosedAt)

	open, err = OpenIncidents(ctx, gdb, tc)
	require.NoError(t, err)
	assert.Empty(t, open)
	require.NoError(t, gdb.First(&bl).Error)
	assert.Zero(t, bl.ConsecutiveBreaches)
}

func TestRegressionIgnoresThinData(t *testing.T) {
	gdb, engine, tc := setup(t)
	rec := &recorder{}
	det := NewRegression(gdb, regressionConfig, rec, testutil.Logger(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	// No baseline history at all.
	record(t, engine, tc, base, 12, 900)
	rep, err := det.Evaluate(ctx, base.Add(70*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)

	// Baseline exists but the window is too quiet.
	record(t, engine, tc, base.Add(-2*time.Hour), 150, 100)
	record(t, engine, tc, base.Add(time.Minute), 3, 900)
	rep, err = det.Evaluate(ctx, base.Add(130*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, rec.opened)
}

func TestRegressionBreachMustBeConsecutive(t *testing.T) {
	gdb, engine, tc := setup(t)
	rec := &recorder{}
	det := NewRegression(gdb, regressionConfig, rec, testutil.Logger(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	record(t, engine, tc, base.Add(-2*time.Hour), 150, 100)

	for i, ms := range []float64{200, 100, 200} {
		at := base.Add(time.Duration(i) * time.Minute)
		record(t, engine, tc, at, 12, ms)
		_, err := det.Evaluate(ctx, at.Add(70*time.Second))
		require.NoError(t, err)
	}
	assert.Empty(t, rec.opened)
}

func TestNPlusOneAnalyze(t *testing.T) {
	gdb := testutil.DB(t)
	_, _, tc := testutil.Project(t, gdb, "acme", "shop")
	rec := &recorder{}
	det := NewNPlusOne(gdb, NPlusOneConfig{Threshold: 2, SlowQueryMs: 500}, rec, testutil.Logger(t))
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	ev := &normalize.PerformanceEvent{
		Target:     "PostsController#index",
		OccurredAt: at,
		SQLQueries: []normalize.SQLQuery{
			{SQL: "SELECT * FROM posts WHERE id = 7", DurationMs: 600},
			{SQL: "SELECT * FROM comments WHERE post_id = 1", DurationMs: 2},
			{SQL: "SELECT * FROM comments WHERE post_id = 2", DurationMs: 4},
			{SQL: "select *  from comments where post_id = 3", DurationMs: 6},
		},
	}
	findings, err := det.Analyze(ctx, tc, ev)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Len(t, rec.nplusone, 1)
	assert.Contains(t, rec.nplusone[0], "comments")

	// A later request repeats the shape fewer times: totals grow, the flag
	// and worst case stay.
	ev.OccurredAt = at.Add(time.Minute)
	ev.SQLQueries = ev.SQLQueries[1:3]
	_, err = det.Analyze(ctx, tc, ev)
	require.NoError(t, err)
	assert.Len(t, rec.nplusone, 1)

	rows, err := ListQueries(ctx, gdb, tc, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	comments := rows[0]
	assert.True(t, comments.NPlusOne)
	assert.Equal(t, int64(5), comments.TotalCount)
	assert.Equal(t, int64(1), comments.NPlusOneOccurrences)
	assert.Equal(t, int64(3), comments.MaxRepeatsPerRequest)
	assert.InDelta(t, 18.0/5, comments.AvgDurationMs, 0.001)
	assert.Equal(t, 6.0, comments.MaxDurationMs)
	assert.False(t, comments.Slow)
	assert.True(t, comments.LastSeenAt.After(comments.FirstSeenAt))

	posts := rows[1]
	assert.False(t, posts.NPlusOne)
	assert.True(t, posts.Slow)
}

func TestNPlusOneWithoutQueries(t *testing.T) {
	gdb := testutil.DB(t)
	det := NewNPlusOne(gdb, NPlusOneConfig{}, nil, testutil.Logger(t))

	findings, err := det.Analyze(context.Background(), tenant.Context{}, &normalize.PerformanceEvent{Target: "A#a"})
	require.NoError(t, err)
	assert.Nil(t, findings)
}

func TestNPlusOneDefaultFlagsSecondRepeat(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "sqlite://unused.db")
	cfg, err := config.Load()
	require.NoError(t, err)

	gdb := testutil.DB(t)
	_, _, tc := testutil.Project(t, gdb, "acme", "shop")
	rec := &recorder{}
	det := NewNPlusOne(gdb, NPlusOneConfig{Threshold: cfg.NPlusOneThreshold, SlowQueryMs: cfg.SlowQueryMs}, rec, testutil.Logger(t))

	ev := &normalize.PerformanceEvent{
		Target:     "PostsController#show",
		OccurredAt: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		SQLQueries: []normalize.SQLQuery{
			{SQL: "SELECT * FROM comments WHERE post_id = 1", DurationMs: 2},
			{SQL: "SELECT * FROM comments WHERE post_id = 2", DurationMs: 2},
			{SQL: "SELECT * FROM users WHERE id = 9", DurationMs: 1},
		},
	}
	findings, err := det.Analyze(context.Background(), tc, ev)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Len(t, rec.nplusone, 1)
	assert.Contains(t, rec.nplusone[0], "comments")
}
