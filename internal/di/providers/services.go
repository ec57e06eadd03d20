package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/logger"
	"github.com/clickerapp/clicker-server/internal/ratelimit"
	"github.com/clickerapp/clicker-server/internal/service"
	"github.com/clickerapp/clicker-server/internal/sse"
)

// SSEManagerHandle wraps the SSE manager for lifecycle management.
type SSEManagerHandle struct {
	*sse.Manager
}

// Shutdown implements do.Shutdownable.
func (h *SSEManagerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Manager.Shutdown(ctx)
}

// ProvideSSEManager provides the server-sent events manager.
func ProvideSSEManager(i do.Injector) (*SSEManagerHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return &SSEManagerHandle{Manager: sse.NewManager(log.Logger)}, nil
}

// ProvideClickerService provides the counter cache service.
func ProvideClickerService(i do.Injector) (*service.ClickerService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)

	return service.NewClickerService(cacheHandle.Cache, storeHandle.Store, cfg.Clicker, log.Logger), nil
}

// ProvideLeaderboardService provides the leaderboard service.
func ProvideLeaderboardService(i do.Injector) (*service.LeaderboardService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)

	return service.NewLeaderboardService(cacheHandle.Cache, storeHandle.Store, cfg.Leaderboard, log.Logger), nil
}

// ProvideBroadcasterService provides the live-update broadcaster, delivering
// through the SSE manager.
func ProvideBroadcasterService(i do.Injector) (*service.BroadcasterService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)
	clickerService := do.MustInvoke[*service.ClickerService](i)
	leaderboardService := do.MustInvoke[*service.LeaderboardService](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	return service.NewBroadcasterService(
		cacheHandle.Cache,
		clickerService,
		leaderboardService,
		sseHandle.Manager,
		cfg.Broadcaster,
		log.Logger,
	), nil
}

// ClickLimiterHandle wraps the per-user click limiter with shutdown capability.
type ClickLimiterHandle struct {
	*ratelimit.KeyedRateLimiter
}

// Shutdown implements do.Shutdownable.
func (h *ClickLimiterHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideClickLimiter provides the per-user inbound rate limiter for the
// click endpoint.
func ProvideClickLimiter(i do.Injector) (*ClickLimiterHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	limiter := ratelimit.New(cfg.Server.ClickRatePerSecond, cfg.Server.ClickBurst)
	return &ClickLimiterHandle{KeyedRateLimiter: limiter}, nil
}
