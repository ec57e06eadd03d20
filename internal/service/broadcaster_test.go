package service

import (
	"context"
	"path/filepath"
	"sync"
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
	"github.com/clickerapp/clicker-server/internal/store/sqlite"
)

func testBroadcasterConfig() config.BroadcasterConfig {
	return config.BroadcasterConfig{
		SessionTTL:              5 * time.Minute,
		BaseInterval:            2 * time.Second,
		MaxInterval:             30 * time.Second,
		TargetMessagesPerSecond: 20,
		SafetyMultiplier:        1.5,
		MaxConsecutiveFailures:  5,
		PushTimeout:             5 * time.Second,
	}
}

// recordingSender captures pushes and returns per-chat canned errors.
type recordingSender struct {
	mu    sync.Mutex
	sent  map[int64][]string
	fails map[int64]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent:  make(map[int64][]string),
		fails: make(map[int64]error),
	}
}

func (r *recordingSender) Send(_ context.Context, target domain.DeliveryTarget, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fails[target.ChatID]; ok {
		return err
	}
	r.sent[target.ChatID] = append(r.sent[target.ChatID], text)
	return nil
}

func (r *recordingSender) sentTo(chatID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[chatID]...)
}

func (r *recordingSender) failWith(chatID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[chatID] = err
}

func newBroadcasterFixture(t *testing.T) (*BroadcasterService, *recordingSender, *miniredis.Miniredis, *sqlite.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testLogger())

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "clicker.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clicker := NewClickerService(c, st, testClickerConfig(), testLogger())
	leaderboard := NewLeaderboardService(c, st, testLeaderboardConfig(), testLogger())
	sender := newRecordingSender()

	svc := NewBroadcasterService(c, clicker, leaderboard, sender, testBroadcasterConfig(), testLogger())
	return svc, sender, mr, st
}

func TestBroadcasterService_RegisterAndList(t *testing.T) {
	svc, _, _, _ := newBroadcasterFixture(t)
	ctx := context.Background()

	err := svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100, MessageID: 1})
	require.NoError(t, err)
	err = svc.RegisterSession(ctx, "u2", domain.DeliveryTarget{ChatID: 200, MessageID: 2})
	require.NoError(t, err)

	// Re-registering is an upsert, not a duplicate.
	err = svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100, MessageID: 9})
	require.NoError(t, err)

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byUser := make(map[string]domain.ActiveSession)
	for _, s := range sessions {
		byUser[s.UserID] = s
	}
	assert.Equal(t, int64(9), byUser["u1"].Target.MessageID)
}

func TestBroadcasterService_RegisterRequiresUserID(t *testing.T) {
	svc, _, _, _ := newBroadcasterFixture(t)
	err := svc.RegisterSession(context.Background(), "", domain.DeliveryTarget{ChatID: 1})
	assert.Error(t, err)
}

func TestBroadcasterService_UnregisterIsIdempotent(t *testing.T) {
	svc, _, _, _ := newBroadcasterFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))
	require.NoError(t, svc.UnregisterSession(ctx, "u1"))
	require.NoError(t, svc.UnregisterSession(ctx, "u1"))

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestBroadcasterService_ExpiredSessionsEvicted(t *testing.T) {
	svc, _, mr, _ := newBroadcasterFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))

	// Backdate the session past the TTL window.
	staleAt := time.Now().UTC().Add(-10 * time.Minute)
	blob := `{"user_id":"u2","target":{"chat_id":200,"message_id":0},"last_update":"` +
		staleAt.Format(time.RFC3339Nano) + `"}`
	mr.HSet(activeSessionsKey, "u2", blob)

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "u1", sessions[0].UserID)

	// The scan evicted the expired record from the hash.
	assert.Empty(t, mr.HGet(activeSessionsKey, "u2"))
}

func TestBroadcasterService_MalformedSessionEvicted(t *testing.T) {
	svc, _, mr, _ := newBroadcasterFixture(t)
	ctx := context.Background()

	mr.HSet(activeSessionsKey, "junk", "{not json")

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, mr.HGet(activeSessionsKey, "junk"))
}

func TestBroadcasterService_BroadcastUpdate(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 6)
	seedUser(t, st, "u2", 100)

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))
	require.NoError(t, svc.RegisterSession(ctx, "u2", domain.DeliveryTarget{ChatID: 200}))

	require.NoError(t, svc.BroadcastUpdate(ctx))

	u1Msgs := sender.sentTo(100)
	require.Len(t, u1Msgs, 1)
	assert.Contains(t, u1Msgs[0], "Total clicks: 106")
	assert.Contains(t, u1Msgs[0], "Your clicks: 6 (rank #2)")
	assert.Contains(t, u1Msgs[0], "Top clickers:")

	u2Msgs := sender.sentTo(200)
	require.Len(t, u2Msgs, 1)
	assert.Contains(t, u2Msgs[0], "Your clicks: 100 (rank #1)")
}

func TestBroadcasterService_BroadcastDropsGoneTargets(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 1)
	seedUser(t, st, "u2", 2)

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))
	require.NoError(t, svc.RegisterSession(ctx, "u2", domain.DeliveryTarget{ChatID: 200}))
	sender.failWith(100, delivery.ErrGone)

	require.NoError(t, svc.BroadcastUpdate(ctx))

	// The gone target's session is removed; the other delivery still landed.
	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "u2", sessions[0].UserID)
	assert.Len(t, sender.sentTo(200), 1)
}

func TestBroadcasterService_BroadcastKeepsSessionOnTransientFailure(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 1)

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))
	sender.failWith(100, delivery.ErrRateLimited)

	require.NoError(t, svc.BroadcastUpdate(ctx))

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestBroadcasterService_NotModifiedIsSuccess(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 1)

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))
	sender.failWith(100, delivery.ErrNotModified)

	require.NoError(t, svc.BroadcastUpdate(ctx))

	sessions, err := svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestBroadcasterService_UpdateSession(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 5)

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))

	require.NoError(t, svc.UpdateSession(ctx, "u1"))
	assert.Len(t, sender.sentTo(100), 1)

	err := svc.UpdateSession(ctx, "ghost")
	assert.Error(t, err)
}

func TestBroadcasterService_CalculateUpdateInterval(t *testing.T) {
	svc, _, _, _ := newBroadcasterFixture(t)

	tests := []struct {
		name     string
		sessions int
		want     time.Duration
	}{
		{"no sessions uses base", 0, 2 * time.Second},
		{"few sessions stay at base", 10, 2 * time.Second},
		{"load scales the interval", 100, 7500 * time.Millisecond},
		{"heavy load hits the cap", 200, 15 * time.Second},
		{"cap bounds extreme load", 10000, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.CalculateUpdateInterval(tt.sessions))
		})
	}
}

func TestBroadcasterService_StartStop(t *testing.T) {
	svc, sender, _, st := newBroadcasterFixture(t)
	ctx := context.Background()
	seedUser(t, st, "u1", 3)

	cfg := testBroadcasterConfig()
	cfg.BaseInterval = 20 * time.Millisecond
	svc.cfg = cfg

	require.NoError(t, svc.RegisterSession(ctx, "u1", domain.DeliveryTarget{ChatID: 100}))

	svc.Start()
	// Double start warns instead of launching a second loop.
	svc.Start()

	require.Eventually(t, func() bool {
		return len(sender.sentTo(100)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
	svc.Stop()
}
