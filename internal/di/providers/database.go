package providers

import (
	"context"
	"sync"

	"github.com/samber/do/v2"

	"github.com/clickerapp/clicker-server/internal/cache"
	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/logger"
	"github.com/clickerapp/clicker-server/internal/store/sqlite"
)

// CacheHandle wraps the fast-store client with shutdown capability.
type CacheHandle struct {
	*cache.Cache

	closeOnce sync.Once
	closeErr  error
}

// Shutdown implements do.Shutdownable. Safe to call more than once since both
// the container and main invoke it.
func (h *CacheHandle) Shutdown() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.Close()
	})
	return h.closeErr
}

// ProvideCache provides the Redis fast store.
func ProvideCache(i do.Injector) (*CacheHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	c, err := cache.New(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log.Logger)
	if err != nil {
		return nil, err
	}

	return &CacheHandle{Cache: c}, nil
}

// StoreHandle wraps the durable store with shutdown capability.
type StoreHandle struct {
	*sqlite.Store

	closeOnce sync.Once
	closeErr  error
}

// Shutdown implements do.Shutdownable. Safe to call more than once since both
// the container and main invoke it.
func (h *StoreHandle) Shutdown() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.Close()
	})
	return h.closeErr
}

// ProvideStore provides the SQLite durable store.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	st, err := sqlite.Open(cfg.Database.Path, log.Logger)
	if err != nil {
		return nil, err
	}

	log.Info("Database initialized", "path", cfg.Database.Path)

	return &StoreHandle{Store: st}, nil
}
