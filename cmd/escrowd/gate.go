package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juno-intents/depositholder/internal/leases"
)

type reloader interface {
	Reload(ctx context.Context, epoch uint64) error
}

// writerGate admits mutations only after the ledger has been reloaded under
// the currently held lease epoch. The ledger stamps its commits with that
// epoch, so the store fences a writer that stalled past its lease. Followers
// reload with epoch zero on every tick so reads track the writer.
type writerGate struct {
	elector *leases.Elector
	ledger  reloader
	log     *slog.Logger

	mu     sync.Mutex
	synced uint64
}

func newWriterGate(elector *leases.Elector, ledger reloader, log *slog.Logger) *writerGate {
	if log == nil {
		log = slog.Default()
	}
	return &writerGate{elector: elector, ledger: ledger, log: log}
}

func (g *writerGate) tick(ctx context.Context) error {
	leader, err := g.elector.Tick(ctx)
	if err != nil {
		g.setSynced(0)
		return fmt.Errorf("tick lease: %w", err)
	}
	epoch := g.elector.Epoch()
	if leader && g.syncedEpoch() == epoch {
		return nil
	}

	fence := uint64(0)
	if leader {
		fence = epoch
	}
	if err := g.ledger.Reload(ctx, fence); err != nil {
		g.setSynced(0)
		return fmt.Errorf("reload ledger: %w", err)
	}
	if !leader {
		g.setSynced(0)
		return nil
	}
	g.setSynced(epoch)
	g.log.Info("ledger synced for writing", "epoch", epoch)
	return nil
}

func (g *writerGate) IsLeader() bool {
	synced := g.syncedEpoch()
	return synced != 0 && g.elector.IsLeader() && g.elector.Epoch() == synced
}

func (g *writerGate) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := g.tick(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("writer gate", "err", err)
		}
		select {
		case <-ctx.Done():
			g.setSynced(0)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.elector.Release(releaseCtx); err != nil {
				g.log.Warn("release writer lease", "err", err)
			}
			cancel()
			return
		case <-t.C:
		}
	}
}

func (g *writerGate) syncedEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.synced
}

func (g *writerGate) setSynced(epoch uint64) {
	g.mu.Lock()
	g.synced = epoch
	g.mu.Unlock()
}
