package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

var (
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrAmountMismatch    = errors.New("escrow: amount mismatch")
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrNotFound          = errors.New("escrow: not found")

	ErrInvalidInput    = errors.New("escrow: invalid input")
	ErrKeyInUse        = errors.New("escrow: key in use")
	ErrClockRegression = errors.New("escrow: clock regression")
	ErrOverflow        = errors.New("escrow: overflow")
	ErrCorrupt         = errors.New("escrow: corrupt ledger state")
	ErrInvalidConfig   = errors.New("escrow: invalid config")

	// ErrFenced is returned by Store.Commit when a newer writer epoch has
	// already committed.
	ErrFenced = errors.New("escrow: fenced by a newer writer")
)

// Batch is a read view of a queue node: every deposit sharing one maturity.
type Batch struct {
	Key       identity.Key
	MaturesAt uint64
	Count     uint64
	Amount    uint256.Int
	Next      identity.Key
}

// Stats reports the ledger counters. Pooled+PaidOut+Refunded == Deposited.
type Stats struct {
	DepositCount uint64
	Pooled       uint256.Int
	PaidOut      uint256.Int
	Deposited    uint256.Int
	Refunded     uint256.Int
}

// Withdrawal is the outcome of one bounded drain.
type Withdrawal struct {
	// Drained is the number of batches removed from the queue head.
	Drained int
	// DrainedDeposits is the sum of Count over drained batches.
	DrainedDeposits uint64
	// Nominal is the amount originally deposited into the drained batches.
	Nominal uint256.Int
	// Payout is min(Nominal, pooled balance) and is what the owner receives.
	Payout uint256.Int
	To     common.Address
}

// Clock supplies the logical time in seconds.
type Clock interface {
	Now() uint64
}

type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads unix seconds from the wall clock.
type SystemClock struct{}

func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// Transferer moves funds out of the pool. A failed Transfer must not have
// moved anything.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Collector is implemented by transferers that can also pull deposit value
// from the caller. When absent, deposit value is assumed to be attached out of
// band.
type Collector interface {
	Collect(ctx context.Context, from common.Address, amount *uint256.Int) error
}

// Publisher receives ledger events after a mutation is committed.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}
