package providers

import (
	"context"
	"time"

	"github.com/samber/do/v2"

	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/logger"
	"github.com/clickerapp/clicker-server/internal/service"
)

// verifyInterval is how often the global counter is checked against the
// durable sum for drift.
const verifyInterval = 5 * time.Minute

// SyncWorker owns the counter cache's startup warm, the periodic
// reconciliation loop, and the drift check. Shutdown runs one final full
// reconcile so buffered clicks reach the durable store before the process
// exits.
type SyncWorker struct {
	clicker    *service.ClickerService
	log        *logger.Logger
	verifyDone chan struct{}
}

// Shutdown implements do.Shutdownable.
func (w *SyncWorker) Shutdown() error {
	close(w.verifyDone)
	w.clicker.StopPeriodicSync()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	synced, err := w.clicker.Reconcile(ctx)
	if err != nil {
		w.log.Error("Final reconcile failed", "error", err)
		return err
	}
	w.log.Info("Final reconcile complete", "synced", synced)
	return nil
}

// ProvideSyncWorker warms the counter cache and starts the periodic sync loop.
func ProvideSyncWorker(i do.Injector) (*SyncWorker, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	clickerService := do.MustInvoke[*service.ClickerService](i)

	ctx := context.Background()
	if err := clickerService.WarmCache(ctx, cfg.Clicker.WarmBatchSize); err != nil {
		// A failed warm is not fatal; counters backfill lazily on first read.
		log.Warn("Cache warm failed, continuing with lazy backfill", "error", err)
	}

	clickerService.StartPeriodicSync(cfg.Clicker.SyncInterval)

	w := &SyncWorker{
		clicker:    clickerService,
		log:        log,
		verifyDone: make(chan struct{}),
	}
	go w.verifyLoop()

	return w, nil
}

// verifyLoop periodically compares the cached global counter against the
// durable sum. Drift is logged inside VerifyGlobalCount.
func (w *SyncWorker) verifyLoop() {
	ticker := time.NewTicker(verifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.clicker.VerifyGlobalCount(context.Background()); err != nil {
				w.log.Warn("Global counter verification failed", "error", err)
			}
		case <-w.verifyDone:
			return
		}
	}
}

// BroadcastWorker owns the broadcaster's update loop lifecycle.
type BroadcastWorker struct {
	broadcaster *service.BroadcasterService
}

// Shutdown implements do.Shutdownable.
func (w *BroadcastWorker) Shutdown() error {
	w.broadcaster.Stop()
	return nil
}

// ProvideBroadcastWorker starts the adaptive broadcast loop.
func ProvideBroadcastWorker(i do.Injector) (*BroadcastWorker, error) {
	broadcaster := do.MustInvoke[*service.BroadcasterService](i)
	broadcaster.Start()
	return &BroadcastWorker{broadcaster: broadcaster}, nil
}
