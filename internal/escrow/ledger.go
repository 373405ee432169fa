package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

// Ledger is the escrow accounting state. It is not safe for concurrent use;
// Service serializes access.
//
// Every mutating method validates completely before changing anything, so a
// returned error leaves the ledger untouched. A successful call can still be
// undone with Revert until the next mutating call or Commit.
type Ledger struct {
	owner        common.Address
	lockDuration uint64

	q     maturityQueue
	index map[identity.Key]*batch

	depositCount uint64
	pooled       uint256.Int
	paidOut      uint256.Int
	deposited    uint256.Int
	refunded     uint256.Int

	journal journal
}

func NewLedger(owner common.Address, lockDuration uint64) (*Ledger, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if lockDuration == 0 {
		return nil, fmt.Errorf("%w: lock duration must be > 0", ErrInvalidConfig)
	}
	return &Ledger{
		owner:        owner,
		lockDuration: lockDuration,
		q:            maturityQueue{batches: make(map[identity.Key]*batch)},
		index:        make(map[identity.Key]*batch),
	}, nil
}

func (l *Ledger) Owner() common.Address { return l.owner }

func (l *Ledger) LockDuration() uint64 { return l.lockDuration }

func (l *Ledger) authorize(caller common.Address) error {
	if caller != l.owner {
		return fmt.Errorf("%w: caller %s is not the owner", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// Deposit files amountPerKey against each key, maturing at now+lockDuration.
// value is the total attached by the caller and must equal
// amountPerKey*len(keys).
func (l *Ledger) Deposit(caller common.Address, now uint64, keys []identity.Key, amountPerKey, value *uint256.Int) (Change, error) {
	if err := l.authorize(caller); err != nil {
		return Change{}, err
	}
	if len(keys) == 0 {
		return Change{}, fmt.Errorf("%w: no keys", ErrInvalidInput)
	}
	if amountPerKey == nil || amountPerKey.IsZero() {
		return Change{}, fmt.Errorf("%w: amount per key must be > 0", ErrInvalidInput)
	}
	if value == nil {
		value = new(uint256.Int)
	}

	total, overflow := new(uint256.Int).MulOverflow(amountPerKey, uint256.NewInt(uint64(len(keys))))
	if overflow || !total.Eq(value) {
		return Change{}, fmt.Errorf("%w: value %s != %s x %d", ErrAmountMismatch, value.Dec(), amountPerKey.Dec(), len(keys))
	}

	maturesAt := now + l.lockDuration
	if maturesAt < now {
		return Change{}, fmt.Errorf("%w: maturity", ErrOverflow)
	}
	tail := l.q.tailBatch()
	if tail != nil && maturesAt < tail.maturesAt {
		return Change{}, fmt.Errorf("%w: maturity %d before tail %d", ErrClockRegression, maturesAt, tail.maturesAt)
	}
	merging := tail != nil && tail.maturesAt == maturesAt

	for _, k := range keys {
		if k.IsZero() {
			return Change{}, fmt.Errorf("%w: zero key", ErrInvalidInput)
		}
		if b, ok := l.q.batches[k]; ok && !(merging && b == tail) {
			return Change{}, fmt.Errorf("%w: %s files a live batch maturing at %d", ErrKeyInUse, k, b.maturesAt)
		}
	}

	if _, overflow := new(uint256.Int).AddOverflow(&l.deposited, value); overflow {
		return Change{}, fmt.Errorf("%w: deposited total", ErrOverflow)
	}
	if l.depositCount+uint64(len(keys)) < l.depositCount {
		return Change{}, fmt.Errorf("%w: deposit count", ErrOverflow)
	}

	l.begin()
	for _, k := range keys {
		b := l.insert(k, maturesAt, amountPerKey)
		l.bindIndex(k, b)
	}
	l.depositCount += uint64(len(keys))
	// pooled <= deposited, so neither addition can overflow here.
	l.pooled.Add(&l.pooled, value)
	l.deposited.Add(&l.deposited, value)
	return l.change(), nil
}

// Disburse pays a claim out of the pooled balance. Claims are independent of
// the queue: they only reduce what later refunds can return.
func (l *Ledger) Disburse(caller common.Address, recipient common.Address, amount *uint256.Int) (Change, error) {
	if err := l.authorize(caller); err != nil {
		return Change{}, err
	}
	if recipient == (common.Address{}) {
		return Change{}, fmt.Errorf("%w: missing recipient", ErrInvalidInput)
	}
	if amount == nil || amount.IsZero() {
		return Change{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if amount.Gt(&l.pooled) {
		return Change{}, fmt.Errorf("%w: claim %s exceeds pooled %s", ErrInsufficientFunds, amount.Dec(), l.pooled.Dec())
	}

	l.begin()
	l.pooled.Sub(&l.pooled, amount)
	l.paidOut.Add(&l.paidOut, amount)
	return l.change(), nil
}

// Withdraw drains at most limit matured batches from the head of the queue and
// refunds min(nominal, pooled) to the owner. Nothing matured is not an error.
func (l *Ledger) Withdraw(caller common.Address, now uint64, limit int) (Withdrawal, Change, error) {
	if err := l.authorize(caller); err != nil {
		return Withdrawal{}, Change{}, err
	}

	l.begin()
	w := Withdrawal{To: l.owner}
	if limit <= 0 {
		return w, l.change(), nil
	}
	w.Nominal, w.Drained, w.DrainedDeposits = l.drainMatured(now, limit)

	w.Payout.Set(&w.Nominal)
	if w.Payout.Gt(&l.pooled) {
		w.Payout.Set(&l.pooled)
	}
	l.pooled.Sub(&l.pooled, &w.Payout)
	l.refunded.Add(&l.refunded, &w.Payout)
	return w, l.change(), nil
}

// Check returns the maturity and aggregate amount of the batch key was last
// filed into. Entries are not invalidated when their batch is drained.
func (l *Ledger) Check(key identity.Key) (uint64, uint256.Int, error) {
	b, ok := l.index[key]
	if !ok || key.IsZero() {
		return 0, uint256.Int{}, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	var amount uint256.Int
	amount.Set(&b.amount)
	return b.maturesAt, amount, nil
}

// NextWithdrawal walks the queue: the zero key yields the head batch, any
// other key the live batch filed under it. Batch.Next is the cursor for the
// following call and is Zero at the tail.
func (l *Ledger) NextWithdrawal(key identity.Key) (Batch, error) {
	b, ok := l.q.peekFrom(key)
	if !ok {
		return Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, key)
	}
	return b.view(), nil
}

func (l *Ledger) DepositCount() uint64 { return l.depositCount }

func (l *Ledger) PaidOut() uint256.Int {
	var out uint256.Int
	out.Set(&l.paidOut)
	return out
}

func (l *Ledger) Stats() Stats {
	var s Stats
	s.DepositCount = l.depositCount
	s.Pooled.Set(&l.pooled)
	s.PaidOut.Set(&l.paidOut)
	s.Deposited.Set(&l.deposited)
	s.Refunded.Set(&l.refunded)
	return s
}
