package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestElector_TickAcquiresRenewsAndLoses(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	store := NewMemoryStore(nowFn)
	ctx := context.Background()

	a, err := NewElector(ElectorConfig{Store: store, Name: "escrow-writer", Owner: "a", TTL: 10 * time.Second, Now: nowFn})
	if err != nil {
		t.Fatalf("NewElector a: %v", err)
	}
	b, err := NewElector(ElectorConfig{Store: store, Name: "escrow-writer", Owner: "b", TTL: 10 * time.Second, Now: nowFn})
	if err != nil {
		t.Fatalf("NewElector b: %v", err)
	}

	if ok, err := a.Tick(ctx); err != nil || !ok {
		t.Fatalf("a.Tick: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Tick(ctx); err != nil || ok {
		t.Fatalf("b.Tick: ok=%v err=%v", ok, err)
	}
	if !a.IsLeader() || b.IsLeader() {
		t.Fatalf("leaders: a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
	if a.Epoch() != 1 || b.Epoch() != 0 {
		t.Fatalf("epochs: a=%d b=%d", a.Epoch(), b.Epoch())
	}

	now = now.Add(5 * time.Second)
	if ok, err := a.Tick(ctx); err != nil || !ok {
		t.Fatalf("a.Tick renew: ok=%v err=%v", ok, err)
	}

	// a stalls past its ttl: it stops claiming leadership on its own.
	now = now.Add(11 * time.Second)
	if a.IsLeader() {
		t.Fatalf("expected a to drop leadership after local expiry")
	}

	if ok, err := b.Tick(ctx); err != nil || !ok {
		t.Fatalf("b.Tick steal: ok=%v err=%v", ok, err)
	}
	if b.Epoch() != 2 {
		t.Fatalf("b epoch: got %d want 2", b.Epoch())
	}
	if ok, err := a.Tick(ctx); err != nil || ok {
		t.Fatalf("a.Tick after steal: ok=%v err=%v", ok, err)
	}
	if a.Epoch() != 0 {
		t.Fatalf("a epoch after loss: got %d", a.Epoch())
	}
}

func TestElector_ReleaseHandsOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore(nil)
	e, err := NewElector(ElectorConfig{Store: store, Name: "escrow-writer", Owner: "a", TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	if err := e.Release(ctx); err != nil {
		t.Fatalf("Release before leading: %v", err)
	}
	if ok, err := e.Tick(ctx); err != nil || !ok {
		t.Fatalf("Tick: ok=%v err=%v", ok, err)
	}
	if err := e.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if e.IsLeader() || e.Epoch() != 0 {
		t.Fatalf("expected leadership to be dropped")
	}

	other, ok, err := store.TryAcquire(ctx, "escrow-writer", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after release: ok=%v err=%v", ok, err)
	}
	if other.Epoch != 2 {
		t.Fatalf("epoch: got %d want 2", other.Epoch)
	}
}

func TestNewElector_Validation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	cases := []ElectorConfig{
		{Name: "n", Owner: "o", TTL: time.Second},
		{Store: store, Owner: "o", TTL: time.Second},
		{Store: store, Name: "n", TTL: time.Second},
		{Store: store, Name: "n", Owner: "o"},
	}
	for i, cfg := range cases {
		if _, err := NewElector(cfg); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: got %v", i, err)
		}
	}
}
