// Package leases elects the single daemon allowed to mutate the escrow
// ledger.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease is a named, expiring ownership record. Epoch grows by one on every
// successful TryAcquire, so a writer can tell whether anyone held the lease
// since it last did.
type Lease struct {
	Name      string
	Owner     string
	Epoch     uint64
	ExpiresAt time.Time
}

// Store provides a compare-and-swap style lease API.
//
// Semantics:
// - TryAcquire succeeds if the lease does not exist or is expired at the store's notion of "now".
// - Renew succeeds only if the lease currently exists and is owned by owner. It keeps the epoch.
// - Release expires the lease at once and keeps the record, so epochs never repeat.
//   It is idempotent if the lease is absent.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
