package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/depositholder/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in Postgres. Expiry is judged by the database clock.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO escrow_leases (name, owner, epoch, expires_at, created_at, updated_at)
		VALUES ($1,$2,1, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			epoch = escrow_leases.epoch + 1,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE escrow_leases.expires_at <= now()
		RETURNING owner, epoch, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &epoch, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cur, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leases.Lease{}, false, gerr
			}
			return cur, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
	l.Epoch = uint64(epoch)
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		UPDATE escrow_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, epoch, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Owner, &epoch, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.Get(ctx, name); gerr != nil {
				return leases.Lease{}, false, gerr
			}
			return leases.Lease{}, false, leases.ErrNotOwner
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	l.Epoch = uint64(epoch)
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_leases
		SET expires_at = LEAST(expires_at, now()), updated_at = now()
		WHERE name = $1 AND owner = $2
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, gerr := s.Get(ctx, name); gerr != nil {
		if errors.Is(gerr, leases.ErrNotFound) {
			return nil
		}
		return gerr
	}
	return leases.ErrNotOwner
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT owner, epoch, expires_at FROM escrow_leases WHERE name = $1`, name).Scan(&l.Owner, &epoch, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	l.Epoch = uint64(epoch)
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}

var _ leases.Store = (*Store)(nil)
