package leases

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type ElectorConfig struct {
	Store Store
	Name  string
	Owner string
	TTL   time.Duration
	Now   func() time.Time
	Log   *slog.Logger
}

// Elector tracks whether this process holds the writer lease. Leadership is
// only reported while the lease's local expiry is in the future, so a stalled
// process stops claiming it before a peer can take over.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu      sync.Mutex
	leader  bool
	epoch   uint64
	expires time.Time
}

func NewElector(cfg ElectorConfig) (*Elector, error) {
	if cfg.Store == nil || cfg.Name == "" || cfg.Owner == "" || cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: invalid elector config", ErrInvalidInput)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Elector{
		store: cfg.Store,
		name:  cfg.Name,
		owner: cfg.Owner,
		ttl:   cfg.TTL,
		now:   cfg.Now,
		log:   cfg.Log,
	}, nil
}

// Tick renews leadership if held, otherwise tries to acquire it.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	start := e.now()

	e.mu.Lock()
	wasLeader := e.leader
	e.mu.Unlock()

	if wasLeader {
		if l, ok, err := e.store.Renew(ctx, e.name, e.owner, e.ttl); err == nil && ok {
			e.set(true, l.Epoch, start.Add(e.ttl))
			return true, nil
		}
	}

	l, ok, err := e.store.TryAcquire(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		e.set(false, 0, time.Time{})
		return false, err
	}
	if !ok {
		e.set(false, 0, time.Time{})
		return false, nil
	}
	e.set(true, l.Epoch, start.Add(e.ttl))
	return true, nil
}

func (e *Elector) set(leader bool, epoch uint64, expires time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leader != e.leader {
		if leader {
			e.log.Info("acquired writer lease", "lease", e.name, "owner", e.owner, "epoch", epoch)
		} else {
			e.log.Warn("lost writer lease", "lease", e.name, "owner", e.owner, "epoch", e.epoch)
		}
	}
	e.leader = leader
	e.epoch = epoch
	e.expires = expires
}

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader && e.now().Before(e.expires)
}

// Epoch is the fencing epoch of the held lease, or 0.
func (e *Elector) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leader {
		return 0
	}
	return e.epoch
}

// Release gives the lease up so a peer can take over without waiting for
// the ttl.
func (e *Elector) Release(ctx context.Context) error {
	e.mu.Lock()
	held := e.leader
	e.mu.Unlock()
	if !held {
		return nil
	}
	e.set(false, 0, time.Time{})
	return e.store.Release(ctx, e.name, e.owner)
}
