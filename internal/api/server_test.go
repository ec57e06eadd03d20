package api

import (
	"encoding/json/v2"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickerapp/clicker-server/internal/cache"
	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/delivery"
	"github.com/clickerapp/clicker-server/internal/domain"
	"github.com/clickerapp/clicker-server/internal/http/response"
	"github.com/clickerapp/clicker-server/internal/ratelimit"
	"github.com/clickerapp/clicker-server/internal/service"
	"github.com/clickerapp/clicker-server/internal/sse"
	"github.com/clickerapp/clicker-server/internal/store/sqlite"
)

type testServer struct {
	server *Server
	store  *sqlite.Store
	mr     *miniredis.Miniredis
}

func setupTestServer(t *testing.T, clickBurst int) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "clicker.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clickerCfg := config.ClickerConfig{
		SyncInterval:     5 * time.Second,
		SyncBatchSize:    100,
		ActiveUserTTL:    30 * time.Second,
		WarmBatchSize:    1000,
		MaxClicksPerCall: 100,
	}
	leaderboardCfg := config.LeaderboardConfig{Size: 20, CacheTTL: 5 * time.Second}
	broadcasterCfg := config.BroadcasterConfig{
		SessionTTL:              5 * time.Minute,
		BaseInterval:            2 * time.Second,
		MaxInterval:             30 * time.Second,
		TargetMessagesPerSecond: 20,
		SafetyMultiplier:        1.5,
		MaxConsecutiveFailures:  5,
		PushTimeout:             time.Second,
	}

	clicker := service.NewClickerService(c, st, clickerCfg, logger)
	leaderboard := service.NewLeaderboardService(c, st, leaderboardCfg, logger)
	broadcaster := service.NewBroadcasterService(c, clicker, leaderboard, delivery.NoopSender{}, broadcasterCfg, logger)

	manager := sse.NewManager(logger)
	limiter := ratelimit.New(100, clickBurst)
	t.Cleanup(limiter.Stop)

	server := NewServer(clicker, leaderboard, broadcaster, sse.NewHandler(manager, logger), limiter, logger)
	return &testServer{server: server, store: st, mr: mr}
}

func newTestUser(id string, clicks int64, now time.Time) *domain.User {
	return &domain.User{
		ID:         id,
		Username:   id,
		ClickCount: clicks,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) response.Envelope {
	t.Helper()
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	if data != nil && envelope.Data != nil {
		raw, err := json.Marshal(envelope.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, data))
	}
	return envelope
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t, 100)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var data map[string]string
	envelope := decodeEnvelope(t, rec, &data)
	assert.True(t, envelope.Success)
	assert.Equal(t, "healthy", data["status"])
}

func TestHandleClick(t *testing.T) {
	ts := setupTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u1","amount":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var clickResp ClickResponse
	decodeEnvelope(t, rec, &clickResp)
	assert.Equal(t, int64(5), clickResp.UserClicks)
	assert.Equal(t, int64(5), clickResp.GlobalClicks)

	// A second click accumulates.
	rec = ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u1","amount":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &clickResp)
	assert.Equal(t, int64(8), clickResp.UserClicks)
}

func TestHandleClick_Validation(t *testing.T) {
	ts := setupTestServer(t, 100)

	tests := []struct {
		name string
		body string
	}{
		{"missing user", `{"amount":5}`},
		{"zero amount", `{"user_id":"u1","amount":0}`},
		{"negative amount", `{"user_id":"u1","amount":-2}`},
		{"amount above bound", `{"user_id":"u1","amount":101}`},
		{"malformed json", `{"user_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/clicker/click", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleClick_RateLimited(t *testing.T) {
	ts := setupTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u1","amount":1}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u1","amount":1}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another user has an independent budget.
	rec = ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u2","amount":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetStats(t *testing.T) {
	ts := setupTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/api/v1/clicker/click", `{"user_id":"u1","amount":7}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/clicker/stats?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	decodeEnvelope(t, rec, &stats)
	assert.Equal(t, int64(7), stats.UserClicks)
	assert.Equal(t, int64(7), stats.GlobalClicks)

	rec = ts.do(t, http.MethodGet, "/api/v1/clicker/stats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetLeaderboard(t *testing.T) {
	ts := setupTestServer(t, 100)
	ctx := t.Context()

	now := time.Now().UTC()
	for _, u := range []struct {
		id     string
		clicks int64
	}{{"alice", 30}, {"bob", 50}} {
		require.NoError(t, ts.store.CreateUser(ctx, newTestUser(u.id, u.clicks, now)))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/clicker/leaderboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []map[string]any
	decodeEnvelope(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0]["user_id"])

	rec = ts.do(t, http.MethodGet, "/api/v1/clicker/leaderboard?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/api/v1/clicker/sessions", `{"user_id":"u1","chat_id":100,"message_id":1}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Refresh pushes an immediate update.
	rec = ts.do(t, http.MethodPost, "/api/v1/clicker/sessions/u1/refresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Refreshing an unknown session is a 404.
	rec = ts.do(t, http.MethodPost, "/api/v1/clicker/sessions/ghost/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/clicker/sessions/u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Unregistering again is still fine.
	rec = ts.do(t, http.MethodDelete, "/api/v1/clicker/sessions/u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRegisterSession_Validation(t *testing.T) {
	ts := setupTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/api/v1/clicker/sessions", `{"chat_id":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/clicker/sessions", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
