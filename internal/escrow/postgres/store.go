package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/depositholder/internal/escrow"
	"github.com/juno-intents/depositholder/internal/identity"
)

var ErrInvalidConfig = errors.New("escrow/postgres: invalid config")

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
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("escrow/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (escrow.Snapshot, bool, error) {
	if s == nil || s.pool == nil {
		return escrow.Snapshot{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: begin load tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		ownerRaw     []byte
		lockDuration int64
		headRaw      []byte
		tailRaw      []byte
		prevTailRaw  []byte
		depositCount int64
		pooled       string
		paidOut      string
		deposited    string
		refunded     string
	)
	err = tx.QueryRow(ctx, `
		SELECT
			owner,
			lock_duration,
			head_key,
			tail_key,
			prev_tail_key,
			deposit_count,
			pooled::text,
			paid_out::text,
			deposited::text,
			refunded::text
		FROM escrow_ledger
		WHERE id = 1
	`).Scan(
		&ownerRaw,
		&lockDuration,
		&headRaw,
		&tailRaw,
		&prevTailRaw,
		&depositCount,
		&pooled,
		&paidOut,
		&deposited,
		&refunded,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Snapshot{}, false, nil
		}
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: load ledger: %w", err)
	}
	if lockDuration <= 0 || depositCount < 0 || len(ownerRaw) != common.AddressLength {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: invalid ledger row")
	}

	meta := escrow.Meta{
		Owner:        common.BytesToAddress(ownerRaw),
		LockDuration: uint64(lockDuration),
		DepositCount: uint64(depositCount),
	}
	if meta.Head, err = identity.FromBytes(headRaw); err != nil {
		return escrow.Snapshot{}, false, err
	}
	if meta.Tail, err = identity.FromBytes(tailRaw); err != nil {
		return escrow.Snapshot{}, false, err
	}
	if meta.PrevTail, err = identity.FromBytes(prevTailRaw); err != nil {
		return escrow.Snapshot{}, false, err
	}
	for _, f := range []struct {
		dst *uint256.Int
		raw string
	}{
		{&meta.Pooled, pooled},
		{&meta.PaidOut, paidOut},
		{&meta.Deposited, deposited},
		{&meta.Refunded, refunded},
	} {
		if err := setDecimal(f.dst, f.raw); err != nil {
			return escrow.Snapshot{}, false, err
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT matures_at, key, count, amount::text, next_key, drained
		FROM escrow_batches
		WHERE NOT drained
			OR matures_at IN (SELECT matures_at FROM escrow_index)
	`)
	if err != nil {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: load batches: %w", err)
	}
	batches, err := pgx.CollectRows(rows, scanBatch)
	if err != nil {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: load batches: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT key, matures_at FROM escrow_index`)
	if err != nil {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: load index: %w", err)
	}
	index, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (escrow.IndexRecord, error) {
		var (
			keyRaw    []byte
			maturesAt int64
		)
		if err := row.Scan(&keyRaw, &maturesAt); err != nil {
			return escrow.IndexRecord{}, err
		}
		k, err := identity.FromBytes(keyRaw)
		if err != nil {
			return escrow.IndexRecord{}, err
		}
		if maturesAt < 0 {
			return escrow.IndexRecord{}, fmt.Errorf("escrow/postgres: negative maturity in db")
		}
		return escrow.IndexRecord{Key: k, MaturesAt: uint64(maturesAt)}, nil
	})
	if err != nil {
		return escrow.Snapshot{}, false, fmt.Errorf("escrow/postgres: load index: %w", err)
	}

	return escrow.BuildSnapshot(meta, batches, index), true, nil
}

func scanBatch(row pgx.CollectableRow) (escrow.BatchRecord, error) {
	var (
		maturesAt int64
		keyRaw    []byte
		count     int64
		amount    string
		nextRaw   []byte
		drained   bool
	)
	if err := row.Scan(&maturesAt, &keyRaw, &count, &amount, &nextRaw, &drained); err != nil {
		return escrow.BatchRecord{}, err
	}
	if maturesAt < 0 || count <= 0 {
		return escrow.BatchRecord{}, fmt.Errorf("escrow/postgres: invalid batch row")
	}
	r := escrow.BatchRecord{Drained: drained}
	r.MaturesAt = uint64(maturesAt)
	r.Count = uint64(count)
	var err error
	if r.Key, err = identity.FromBytes(keyRaw); err != nil {
		return escrow.BatchRecord{}, err
	}
	if r.Next, err = identity.FromBytes(nextRaw); err != nil {
		return escrow.BatchRecord{}, err
	}
	if err := setDecimal(&r.Amount, amount); err != nil {
		return escrow.BatchRecord{}, err
	}
	return r, nil
}

// Commit writes change in one transaction. The ledger row is written first
// and only when change.Epoch is at least the stored writer epoch, so a stale
// writer is fenced before it touches any other row. settle runs last inside
// the transaction, so a failed settlement rolls every write back.
func (s *Store) Commit(ctx context.Context, change escrow.Change, settle func(context.Context) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	m := change.Meta
	if m.LockDuration > math.MaxInt64 || m.DepositCount > math.MaxInt64 || change.Epoch > math.MaxInt64 {
		return fmt.Errorf("escrow/postgres: ledger values exceed bigint")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow/postgres: begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO escrow_ledger (
			id,
			owner,
			lock_duration,
			head_key,
			tail_key,
			prev_tail_key,
			deposit_count,
			pooled,
			paid_out,
			deposited,
			refunded,
			writer_epoch,
			created_at,
			updated_at
		) VALUES (1,$1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET
			head_key = EXCLUDED.head_key,
			tail_key = EXCLUDED.tail_key,
			prev_tail_key = EXCLUDED.prev_tail_key,
			deposit_count = EXCLUDED.deposit_count,
			pooled = EXCLUDED.pooled,
			paid_out = EXCLUDED.paid_out,
			deposited = EXCLUDED.deposited,
			refunded = EXCLUDED.refunded,
			writer_epoch = EXCLUDED.writer_epoch,
			updated_at = now()
		WHERE escrow_ledger.owner = EXCLUDED.owner
			AND escrow_ledger.writer_epoch <= EXCLUDED.writer_epoch
	`,
		m.Owner.Bytes(),
		int64(m.LockDuration),
		m.Head[:],
		m.Tail[:],
		m.PrevTail[:],
		int64(m.DepositCount),
		m.Pooled.Dec(),
		m.PaidOut.Dec(),
		m.Deposited.Dec(),
		m.Refunded.Dec(),
		int64(change.Epoch),
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: upsert ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejected(ctx, tx, m, change.Epoch)
	}

	prune := make([]int64, 0, len(change.Batches)+len(change.Index))
	for _, r := range change.Batches {
		if r.MaturesAt > math.MaxInt64 || r.Count > math.MaxInt64 {
			return fmt.Errorf("escrow/postgres: batch values exceed bigint")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO escrow_batches (matures_at, key, count, amount, next_key, drained, created_at, updated_at)
			VALUES ($1,$2,$3,$4::numeric,$5,$6,now(),now())
			ON CONFLICT (matures_at) DO UPDATE
			SET
				key = EXCLUDED.key,
				count = EXCLUDED.count,
				amount = EXCLUDED.amount,
				next_key = EXCLUDED.next_key,
				drained = EXCLUDED.drained,
				updated_at = now()
		`, int64(r.MaturesAt), r.Key[:], int64(r.Count), r.Amount.Dec(), r.Next[:], r.Drained)
		if err != nil {
			return fmt.Errorf("escrow/postgres: upsert batch %d: %w", r.MaturesAt, err)
		}
		if r.Drained {
			prune = append(prune, int64(r.MaturesAt))
		}
	}

	if len(change.Index) > 0 {
		keys := make([][]byte, 0, len(change.Index))
		for _, r := range change.Index {
			keys = append(keys, append([]byte(nil), r.Key[:]...))
		}
		rows, err := tx.Query(ctx, `SELECT matures_at FROM escrow_index WHERE key = ANY($1)`, keys)
		if err != nil {
			return fmt.Errorf("escrow/postgres: load rebound index: %w", err)
		}
		previous, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("escrow/postgres: load rebound index: %w", err)
		}
		prune = append(prune, previous...)
	}

	for _, r := range change.Index {
		_, err := tx.Exec(ctx, `
			INSERT INTO escrow_index (key, matures_at, updated_at)
			VALUES ($1,$2,now())
			ON CONFLICT (key) DO UPDATE
			SET matures_at = EXCLUDED.matures_at, updated_at = now()
		`, r.Key[:], int64(r.MaturesAt))
		if err != nil {
			return fmt.Errorf("escrow/postgres: upsert index %s: %w", r.Key, err)
		}
	}

	if len(prune) > 0 {
		_, err := tx.Exec(ctx, `
			DELETE FROM escrow_batches b
			WHERE b.drained
				AND b.matures_at = ANY($1)
				AND NOT EXISTS (SELECT 1 FROM escrow_index i WHERE i.matures_at = b.matures_at)
		`, prune)
		if err != nil {
			return fmt.Errorf("escrow/postgres: prune drained batches: %w", err)
		}
	}

	if settle != nil {
		if err := settle(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow/postgres: commit tx: %w", err)
	}
	return nil
}

// rejected explains why the guarded ledger upsert matched no row.
func (s *Store) rejected(ctx context.Context, tx pgx.Tx, m escrow.Meta, epoch uint64) error {
	var (
		ownerRaw []byte
		stored   int64
	)
	err := tx.QueryRow(ctx, `SELECT owner, writer_epoch FROM escrow_ledger WHERE id = 1`).Scan(&ownerRaw, &stored)
	if err != nil {
		return fmt.Errorf("escrow/postgres: read ledger guard: %w", err)
	}
	if owner := common.BytesToAddress(ownerRaw); owner != m.Owner {
		return fmt.Errorf("%w: ledger is owned by %s", escrow.ErrInvalidConfig, owner.Hex())
	}
	return fmt.Errorf("%w: epoch %d < %d", escrow.ErrFenced, epoch, stored)
}

func setDecimal(dst *uint256.Int, raw string) error {
	if err := dst.SetFromDecimal(raw); err != nil {
		return fmt.Errorf("escrow/postgres: invalid amount %q: %w", raw, err)
	}
	return nil
}

var _ escrow.Store = (*Store)(nil)
