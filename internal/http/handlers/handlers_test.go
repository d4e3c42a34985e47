package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	dbpkg "apmingest/internal/db"
	httpctx "apmingest/internal/http/ctx"
)

func TestParseBatch(t *testing.T) {
	items, err := parseBatch([]byte(`[{"exception_class":"E","count":3}, "oops", null]`))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "E", items[0]["exception_class"])
	assert.Equal(t, json.Number("3"), items[0]["count"])
	assert.Nil(t, items[1])
	assert.Nil(t, items[2])

	items, err = parseBatch([]byte(`  {"events":[{"target":"A#b"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A#b", items[0]["target"])

	for _, body := range []string{``, `42`, `[1,`, `{"events":`} {
		_, err := parseBatch([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestParseRange(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		query     string
		span      time.Duration
		timeframe string
	}{
		{"", 24 * time.Hour, dbpkg.TimeframeHour},
		{"hours=1", time.Hour, dbpkg.TimeframeMinute},
		{"hours=0.5", 30 * time.Minute, dbpkg.TimeframeMinute},
		{"days=7", 7 * 24 * time.Hour, dbpkg.TimeframeHour},
		{"days=30", 30 * 24 * time.Hour, dbpkg.TimeframeDay},
		{"hours=-3", 24 * time.Hour, dbpkg.TimeframeHour},
		{"hours=2&timeframe=day", 2 * time.Hour, dbpkg.TimeframeDay},
	}
	for _, tc := range cases {
		var req fasthttp.Request
		req.SetRequestURI("/v1/rollups?" + tc.query)
		ctx := &fasthttp.RequestCtx{}
		ctx.Init(&req, nil, nil)

		from, timeframe := parseRange(ctx, now)
		assert.Equal(t, now.Add(-tc.span), from, tc.query)
		assert.Equal(t, tc.timeframe, timeframe, tc.query)
	}
}

func TestQueryInt(t *testing.T) {
	var req fasthttp.Request
	req.SetRequestURI("/v1/issues?limit=25&offset=-1&page=abc")
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)

	assert.Equal(t, 25, queryInt(ctx, "limit", 50))
	assert.Equal(t, 0, queryInt(ctx, "offset", 0))
	assert.Equal(t, 1, queryInt(ctx, "page", 1))
	assert.Equal(t, 7, queryInt(ctx, "missing", 7))
}

func TestActorNamesAuthenticatedAdmin(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	assert.Equal(t, "unknown", actor(ctx).String)

	httpctx.SetUser(ctx, &dbpkg.User{Username: "ops"})
	field := actor(ctx)
	assert.Equal(t, "admin", field.Key)
	assert.Equal(t, "ops", field.String)
}
