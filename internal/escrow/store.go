package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

// Meta is the scalar part of the ledger state.
type Meta struct {
	Owner        common.Address
	LockDuration uint64

	Head     identity.Key
	Tail     identity.Key
	PrevTail identity.Key

	DepositCount uint64
	Pooled       uint256.Int
	PaidOut      uint256.Int
	Deposited    uint256.Int
	Refunded     uint256.Int
}

// BatchRecord is the persisted form of a batch. Maturity identifies a batch
// for its whole life, including after it is drained.
type BatchRecord struct {
	Batch
	Drained bool
}

// IndexRecord maps an identity key to the maturity of its batch.
type IndexRecord struct {
	Key       identity.Key
	MaturesAt uint64
}

// Change is the post-state of everything one mutating call touched. Epoch is
// the writer epoch the change was produced under.
type Change struct {
	Meta    Meta
	Batches []BatchRecord
	Index   []IndexRecord
	Epoch   uint64
}

// Store persists ledger state.
//
// Semantics:
// - Load returns ok=false when nothing has been committed yet.
// - Commit applies change atomically. If settle is non-nil it runs inside the
//   same unit of work, before the change becomes durable; when settle fails
//   nothing is persisted and its error is returned.
// - Commit rejects a change whose Epoch is below the highest epoch already
//   committed with ErrFenced, before settle runs.
// - Drained batches that no index entry references are not retained.
type Store interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Commit(ctx context.Context, change Change, settle func(context.Context) error) error
}

func (l *Ledger) meta() Meta {
	m := Meta{
		Owner:        l.owner,
		LockDuration: l.lockDuration,
		Head:         l.q.head,
		Tail:         l.q.tail,
		PrevTail:     l.q.prevTail,
		DepositCount: l.depositCount,
	}
	m.Pooled.Set(&l.pooled)
	m.PaidOut.Set(&l.paidOut)
	m.Deposited.Set(&l.deposited)
	m.Refunded.Set(&l.refunded)
	return m
}
