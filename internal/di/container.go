// Package di provides dependency injection configuration for the clicker server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/di/providers"
	"github.com/clickerapp/clicker-server/internal/logger"
	"github.com/clickerapp/clicker-server/internal/service"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)

	// Storage layer
	do.Provide(injector, providers.ProvideCache)
	do.Provide(injector, providers.ProvideStore)

	// Streaming layer
	do.Provide(injector, providers.ProvideSSEManager)

	// Business services
	do.Provide(injector, providers.ProvideClickerService)
	do.Provide(injector, providers.ProvideLeaderboardService)
	do.Provide(injector, providers.ProvideBroadcasterService)
	do.Provide(injector, providers.ProvideClickLimiter)

	// Workers
	do.Provide(injector, providers.ProvideSyncWorker)
	do.Provide(injector, providers.ProvideBroadcastWorker)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services and returns handles for lifecycle management.
// This triggers lazy initialization of all core services.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*config.Config](injector)
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*providers.CacheHandle](injector)
	_ = do.MustInvoke[*providers.StoreHandle](injector)
	_ = do.MustInvoke[*providers.SSEManagerHandle](injector)

	// Business services
	_ = do.MustInvoke[*service.ClickerService](injector)
	_ = do.MustInvoke[*service.LeaderboardService](injector)
	_ = do.MustInvoke[*service.BroadcasterService](injector)
	_ = do.MustInvoke[*providers.ClickLimiterHandle](injector)

	// Workers
	_ = do.MustInvoke[*providers.SyncWorker](injector)
	_ = do.MustInvoke[*providers.BroadcastWorker](injector)

	// Server
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}
