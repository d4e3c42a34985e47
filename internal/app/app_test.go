package app

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"apmingest/internal/config"
	"apmingest/internal/db"
	"apmingest/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		AdminUser:            "admin",
		AdminPassword:        "correct-horse",
		Env:                  "test",
		RetentionDays:        30,
		MaxBodyBytes:         1 << 20,
		MaxBatchSize:         500,
		RateLimitPerWindow:   1000,
		RateLimitWindow:      time.Minute,
		QueueBackend:         "memory",
		QueueWorkers:         1,
		QueueBuffer:          16,
		TaskMaxAttempts:      1,
		RegressionMultiplier: 1.5,
		CriticalMultiplier:   3,
		BreachCount:          3,
		MinWindowRequests:    10,
		MinBaselineSamples:   100,
		BaselineDays:         7,
		NPlusOneThreshold:    1,
		SlowQueryMs:          500,
		AlertRatePerMinute:   30,
		AlertBurst:           10,
		ReopenClosedIssues:   true,
		ShutdownTimeout:      time.Second,
	}
}

type harness struct {
	app     *App
	handler fasthttp.RequestHandler
	project *db.Project
	token   string
}

// newHarness builds the app on a test database. The queue backend is
// closed, so every task runs inline within the request.
func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	gdb := testutil.DB(t)
	require.NoError(t, db.EnsureBootstrapAdmin(gdb, cfg))

	a, err := NewWithDB(cfg, gdb, testutil.Logger(t))
	require.NoError(t, err)
	require.NoError(t, a.Queue.Close())

	project, token, _ := testutil.Project(t, gdb, "acme", "shop")
	return &harness{app: a, handler: a.Handler(), project: project, token: token}
}

type request struct {
	method  string
	uri     string
	body    string
	token   string
	headers map[string]string
}

func (h *harness) do(r request) *fasthttp.Response {
	var req fasthttp.Request
	req.Header.SetMethod(r.method)
	req.SetRequestURI(r.uri)
	if r.body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(r.body)
	}
	if r.token != "" {
		req.Header.Set("X-Project-Token", r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h.handler(&ctx)

	resp := &fasthttp.Response{}
	ctx.Response.CopyTo(resp)
	return resp
}

func decode(t *testing.T, resp *fasthttp.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body(), &out), string(resp.Body()))
	return out
}

func adminAuth(user, pass string) map[string]string {
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return map[string]string{"Authorization": "Basic " + cred}
}

const errorBody = `{"exception_class":"NoMethodError","message":"undefined method 'name' for nil",
	"backtrace":["app/models/user.rb:42:in 'full_name'"],"environment":"production"}`

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(request{method: "GET", uri: "/healthz"})
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "ok", string(resp.Body()))
}

func TestErrorEventCredentials(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
	assert.Equal(t, "unauthorized", decode(t, resp)["error"])

	resp = h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: "apm_unknown"})
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
	assert.Equal(t, "not_found", decode(t, resp)["error"])

	require.NoError(t, h.app.DB.Model(h.project).Update("active", false).Error)
	resp = h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
	assert.Equal(t, fasthttp.StatusForbidden, resp.StatusCode())
	assert.Equal(t, "forbidden", decode(t, resp)["error"])
}

func TestErrorEventAccepted(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode(), string(resp.Body()))
	body := decode(t, resp)
	assert.Equal(t, float64(h.project.ID), body["project_id"])
	assert.Equal(t, "NoMethodError", body["exception_class"])

	// The bearer form of the credential is accepted too.
	resp = h.do(request{method: "POST", uri: "/events/errors", body: errorBody,
		headers: map[string]string{"Authorization": "Bearer " + h.token}})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())

	var issue db.Issue
	require.NoError(t, h.app.DB.First(&issue).Error)
	assert.Equal(t, int64(2), issue.Count)
}

func TestErrorEventValidation(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(request{method: "POST", uri: "/events/errors", body: `{"message":"no class"}`, token: h.token})
	require.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())
	body := decode(t, resp)
	assert.Equal(t, "validation_failed", body["error"])
	assert.NotEmpty(t, body["message"])
	details := body["details"].([]any)
	require.NotEmpty(t, details)
	assert.Equal(t, "exception_class", details[0].(map[string]any)["field"])

	resp = h.do(request{method: "POST", uri: "/events/errors", body: `{not json`, token: h.token})
	assert.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())
	assert.Equal(t, "validation_failed", decode(t, resp)["error"])

	var count int64
	require.NoError(t, h.app.DB.Model(&db.Issue{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPerformanceEventAccepted(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(request{method: "POST", uri: "/events/performance", token: h.token,
		body: `{"controller_action":"OrdersController#index","duration_ms":87.5,"environment":"production"}`})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode(), string(resp.Body()))
	assert.Equal(t, "OrdersController#index", decode(t, resp)["target"])

	resp = h.do(request{method: "GET", uri: "/v1/rollups?hours=1&target=OrdersController%23index", token: h.token})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode(), string(resp.Body()))
	body := decode(t, resp)
	assert.Equal(t, "minute", body["timeframe"])
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["request_count"])
	assert.InDelta(t, 87.5, summary["p95_duration_ms"], 2)
	assert.Len(t, body["buckets"], 1)
}

func TestBatchEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	batch := `[
		{"exception_class":"A","message":"x"},
		{"type":"performance","job_class":"MailerJob","duration":12},
		{"type":"error","message":"missing class"},
		"not an object"
	]`
	resp := h.do(request{method: "POST", uri: "/events/batch", body: batch, token: h.token})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode(), string(resp.Body()))
	body := decode(t, resp)
	assert.NotEmpty(t, body["batch_id"])
	assert.Equal(t, float64(2), body["processed_count"])
	assert.Equal(t, float64(4), body["total_count"])
	assert.Len(t, body["rejected"], 2)

	// The envelope form is accepted as well.
	resp = h.do(request{method: "POST", uri: "/events/batch", token: h.token,
		body: `{"events":[{"exception_class":"B"}]}`})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())
	assert.Equal(t, float64(1), decode(t, resp)["processed_count"])

	resp = h.do(request{method: "POST", uri: "/events/batch", body: `[]`, token: h.token})
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())
}

func TestBatchTooLarge(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxBatchSize = 2 })
	resp := h.do(request{method: "POST", uri: "/events/batch", token: h.token,
		body: `[{"exception_class":"A"},{"exception_class":"B"},{"exception_class":"C"}]`})
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())
	assert.Equal(t, "validation_failed", decode(t, resp)["error"])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimitPerWindow = 2 })

	for i := 0; i < 2; i++ {
		resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
		require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())
	}
	resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
	require.Equal(t, fasthttp.StatusTooManyRequests, resp.StatusCode())
	assert.Equal(t, "rate_limited", decode(t, resp)["error"])
	assert.NotEmpty(t, string(resp.Header.Peek("Retry-After")))

	// Rejected requests are not queued.
	var issue db.Issue
	require.NoError(t, h.app.DB.First(&issue).Error)
	assert.Equal(t, int64(2), issue.Count)
}

func TestPayloadTooLarge(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxBodyBytes = 64 })
	big := fmt.Sprintf(`{"exception_class":"A","message":%q}`, strings.Repeat("x", 200))
	resp := h.do(request{method: "POST", uri: "/events/errors", body: big, token: h.token})
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, resp.StatusCode())
	assert.Equal(t, "payload_too_large", decode(t, resp)["error"])
}

func TestReleases(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"version":"v1.2.0","environment":"production","commit_sha":"abc123"}`

	resp := h.do(request{method: "POST", uri: "/releases", body: body, token: h.token})
	require.Equal(t, fasthttp.StatusCreated, resp.StatusCode(), string(resp.Body()))
	assert.Equal(t, "v1.2.0", decode(t, resp)["version"])

	resp = h.do(request{method: "POST", uri: "/releases", body: body, token: h.token})
	assert.Equal(t, fasthttp.StatusConflict, resp.StatusCode())
	assert.Equal(t, "conflict", decode(t, resp)["error"])

	resp = h.do(request{method: "POST", uri: "/releases", body: `{"environment":"staging"}`, token: h.token})
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())
}

func TestIssueEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())

	resp = h.do(request{method: "GET", uri: "/v1/issues?status=open", token: h.token})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	list := decode(t, resp)
	assert.Equal(t, float64(1), list["total"])
	issue := list["issues"].([]any)[0].(map[string]any)
	id := int(issue["id"].(float64))
	assert.Equal(t, "app/models/user.rb:42:in full_name", issue["top_frame"])

	resp = h.do(request{method: "GET", uri: fmt.Sprintf("/v1/issues/%d", id), token: h.token})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Len(t, decode(t, resp)["events"], 1)

	resp = h.do(request{method: "POST", uri: fmt.Sprintf("/v1/issues/%d/status", id), body: `{"status":"closed"}`, token: h.token})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "closed", decode(t, resp)["status"])

	resp = h.do(request{method: "POST", uri: fmt.Sprintf("/v1/issues/%d/status", id), body: `{"status":"wip"}`, token: h.token})
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())

	resp = h.do(request{method: "GET", uri: "/v1/issues/9999", token: h.token})
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
}

func TestIssuesAreTenantScoped(t *testing.T) {
	h := newHarness(t, nil)
	_, otherToken, _ := testutil.Project(t, h.app.DB, "globex", "api")

	resp := h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())
	var issue db.Issue
	require.NoError(t, h.app.DB.First(&issue).Error)

	resp = h.do(request{method: "GET", uri: "/v1/issues", token: otherToken})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, float64(0), decode(t, resp)["total"])

	resp = h.do(request{method: "GET", uri: fmt.Sprintf("/v1/issues/%d", issue.ID), token: otherToken})
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"account":"initech","name":"tps","retention_days":14}`

	resp := h.do(request{method: "POST", uri: "/admin/projects", body: body})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
	assert.NotEmpty(t, string(resp.Header.Peek("WWW-Authenticate")))

	resp = h.do(request{method: "POST", uri: "/admin/projects", body: body, headers: adminAuth("admin", "wrong")})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())

	resp = h.do(request{method: "POST", uri: "/admin/projects", body: body, headers: adminAuth("admin", "correct-horse")})
	require.Equal(t, fasthttp.StatusCreated, resp.StatusCode(), string(resp.Body()))
	created := decode(t, resp)
	token := created["token"].(string)
	assert.Equal(t, float64(14), created["retention_days"])

	resp = h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: token})
	assert.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())

	resp = h.do(request{method: "POST", uri: "/admin/maintenance/cleanup",
		body:    fmt.Sprintf(`{"project_id":%d,"days":3}`, h.project.ID),
		headers: adminAuth("admin", "correct-horse")})
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())

	resp = h.do(request{method: "POST", uri: "/admin/maintenance/cleanup",
		body:    fmt.Sprintf(`{"project_id":%d,"days":30}`, h.project.ID),
		headers: adminAuth("admin", "correct-horse")})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode(), string(resp.Body()))
	assert.Equal(t, float64(0), decode(t, resp)["deleted"])

	resp = h.do(request{method: "POST", uri: "/admin/maintenance/recompute-fingerprints?dry_run=true",
		headers: adminAuth("admin", "correct-horse")})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode(), string(resp.Body()))
	report := decode(t, resp)
	assert.Equal(t, true, report["dry_run"])
	assert.Equal(t, float64(1), report["scanned"])
}

func TestProjectMetricsAreFiltered(t *testing.T) {
	h := newHarness(t, nil)
	other, otherToken, _ := testutil.Project(t, h.app.DB, "globex", "api")

	require.Equal(t, fasthttp.StatusAccepted,
		h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: h.token}).StatusCode())
	require.Equal(t, fasthttp.StatusAccepted,
		h.do(request{method: "POST", uri: "/events/errors", body: errorBody, token: otherToken}).StatusCode())

	resp := h.do(request{method: "GET", uri: "/v1/metrics?api-key=" + h.token})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	text := string(resp.Body())
	assert.Contains(t, text, fmt.Sprintf(`project="%d"`, h.project.ID))
	assert.NotContains(t, text, fmt.Sprintf(`project="%d"`, other.ID))

	resp = h.do(request{method: "GET", uri: "/v1/metrics"})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(request{method: "GET", uri: "/nope"})
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
	assert.Equal(t, "not_found", decode(t, resp)["error"])
}

func TestSchedulerRegistersJobs(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.app.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
}
