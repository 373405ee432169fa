package escrow

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

const testLock = 31536000

var (
	testOwner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	testStranger = common.HexToAddress("0x0000000000000000000000000000000000000b22")
)

func mustLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(testOwner, testLock)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func keyFor(tag byte) identity.Key {
	var addr common.Address
	addr[19] = tag
	return identity.FromAddress(addr)
}

func dec(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func mustDeposit(t *testing.T, l *Ledger, now uint64, per string, keys ...identity.Key) {
	t.Helper()
	value := new(uint256.Int).Mul(dec(per), uint256.NewInt(uint64(len(keys))))
	if _, err := l.Deposit(testOwner, now, keys, dec(per), value); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	l.Commit()
}

func assertConserved(t *testing.T, l *Ledger) {
	t.Helper()
	s := l.Stats()
	var sum uint256.Int
	sum.Add(&s.Pooled, &s.PaidOut)
	sum.Add(&sum, &s.Refunded)
	if !sum.Eq(&s.Deposited) {
		t.Fatalf("conservation: pooled %s + paid %s + refunded %s != deposited %s",
			s.Pooled.Dec(), s.PaidOut.Dec(), s.Refunded.Dec(), s.Deposited.Dec())
	}
}

func TestLedger_RecordsAndRefundsDeposits(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	const start = 1_700_000_000
	k0, k1, k2 := keyFor(1), keyFor(2), keyFor(3)

	mustDeposit(t, l, start, "100000000000000000", k0, k1)
	mustDeposit(t, l, start+10, "200000000000000000", k2)

	for _, k := range []identity.Key{k0, k1} {
		maturesAt, amount, err := l.Check(k)
		if err != nil {
			t.Fatalf("Check %s: %v", k, err)
		}
		if maturesAt != start+testLock {
			t.Fatalf("maturesAt: got %d want %d", maturesAt, start+testLock)
		}
		if amount.Dec() != "200000000000000000" {
			t.Fatalf("amount: got %s want 2e17", amount.Dec())
		}
	}
	maturesAt, amount, err := l.Check(k2)
	if err != nil {
		t.Fatalf("Check k2: %v", err)
	}
	if maturesAt != start+testLock+10 || amount.Dec() != "200000000000000000" {
		t.Fatalf("k2: got (%d, %s)", maturesAt, amount.Dec())
	}

	head, err := l.NextWithdrawal(identity.Zero)
	if err != nil {
		t.Fatalf("NextWithdrawal head: %v", err)
	}
	if head.MaturesAt != start+testLock || head.Count != 2 || head.Amount.Dec() != "200000000000000000" {
		t.Fatalf("head: got (%d, %d, %s)", head.MaturesAt, head.Count, head.Amount.Dec())
	}
	if head.Next != k2 {
		t.Fatalf("head.Next: got %s want %s", head.Next, k2)
	}
	second, err := l.NextWithdrawal(head.Next)
	if err != nil {
		t.Fatalf("NextWithdrawal second: %v", err)
	}
	if second.MaturesAt != start+testLock+10 || second.Count != 1 || second.Amount.Dec() != "200000000000000000" {
		t.Fatalf("second: got (%d, %d, %s)", second.MaturesAt, second.Count, second.Amount.Dec())
	}
	if !second.Next.IsZero() {
		t.Fatalf("second.Next: got %s want sentinel", second.Next)
	}
	if got := l.DepositCount(); got != 3 {
		t.Fatalf("DepositCount: got %d want 3", got)
	}

	// Past the first maturity, before the second.
	w, _, err := l.Withdraw(testOwner, start+testLock+1, 10)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()
	if w.Payout.Dec() != "200000000000000000" {
		t.Fatalf("payout: got %s want 2e17", w.Payout.Dec())
	}
	if w.Drained != 1 || w.DrainedDeposits != 2 {
		t.Fatalf("drained: got %d batches / %d deposits", w.Drained, w.DrainedDeposits)
	}
	if w.To != testOwner {
		t.Fatalf("payout to: got %s", w.To.Hex())
	}

	head, err = l.NextWithdrawal(identity.Zero)
	if err != nil {
		t.Fatalf("NextWithdrawal head after withdraw: %v", err)
	}
	if head.MaturesAt != start+testLock+10 || head.Count != 1 || !head.Next.IsZero() {
		t.Fatalf("head after withdraw: got (%d, %d, %s)", head.MaturesAt, head.Count, head.Next)
	}
	if got := l.DepositCount(); got != 1 {
		t.Fatalf("DepositCount: got %d want 1", got)
	}
	assertConserved(t, l)
}

func TestLedger_PaysOutClaimsFirst(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	const start = 1_000
	k0, k1 := keyFor(1), keyFor(2)
	claimant := common.HexToAddress("0x00000000000000000000000000000000000000c1")

	mustDeposit(t, l, start, "100000000000000000", k0, k1)

	if _, err := l.Disburse(testOwner, claimant, dec("50000000000000000")); err != nil {
		t.Fatalf("Disburse: %v", err)
	}
	l.Commit()

	stats := l.Stats()
	if stats.Pooled.Dec() != "150000000000000000" {
		t.Fatalf("pooled: got %s want 1.5e17", stats.Pooled.Dec())
	}
	paid := l.PaidOut()
	if paid.Dec() != "50000000000000000" {
		t.Fatalf("paidOut: got %s want 5e16", paid.Dec())
	}
	if l.DepositCount() != 2 {
		t.Fatalf("claims must not touch the queue")
	}

	w, _, err := l.Withdraw(testOwner, start+testLock+1, 10)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()
	if w.Nominal.Dec() != "200000000000000000" {
		t.Fatalf("nominal: got %s want 2e17", w.Nominal.Dec())
	}
	if w.Payout.Dec() != "150000000000000000" {
		t.Fatalf("payout: got %s want 1.5e17", w.Payout.Dec())
	}
	stats = l.Stats()
	if !stats.Pooled.IsZero() {
		t.Fatalf("pooled after withdraw: got %s", stats.Pooled.Dec())
	}
	assertConserved(t, l)
}

func TestLedger_MergeInvariant(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 7, 64} {
		l := mustLedger(t)
		keys := make([]identity.Key, n)
		for i := range keys {
			keys[i] = keyFor(byte(i + 1))
		}
		mustDeposit(t, l, 5, "3", keys...)

		head, err := l.NextWithdrawal(identity.Zero)
		if err != nil {
			t.Fatalf("n=%d NextWithdrawal: %v", n, err)
		}
		if head.Count != uint64(n) {
			t.Fatalf("n=%d count: got %d", n, head.Count)
		}
		if head.Amount.Uint64() != uint64(3*n) {
			t.Fatalf("n=%d amount: got %s", n, head.Amount.Dec())
		}
		if !head.Next.IsZero() {
			t.Fatalf("n=%d expected a single batch", n)
		}
		if head.Key != keys[n-1] {
			t.Fatalf("n=%d batch must be filed under the last key", n)
		}
	}
}

func TestLedger_MergeAcrossCallsRefilesTail(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	a, b, c, d := keyFor(1), keyFor(2), keyFor(3), keyFor(4)

	mustDeposit(t, l, 10, "1", a)
	mustDeposit(t, l, 20, "1", b)
	// Same logical time as b: merges into the tail and refiles it under c.
	mustDeposit(t, l, 20, "1", c)

	head, err := l.NextWithdrawal(identity.Zero)
	if err != nil {
		t.Fatalf("NextWithdrawal: %v", err)
	}
	if head.Key != a || head.Next != c {
		t.Fatalf("head: key %s next %s, want key %s next %s", head.Key, head.Next, a, c)
	}
	if _, err := l.NextWithdrawal(b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refiled key must no longer name a batch, got %v", err)
	}
	tail, err := l.NextWithdrawal(c)
	if err != nil {
		t.Fatalf("NextWithdrawal tail: %v", err)
	}
	if tail.Count != 2 || tail.Amount.Uint64() != 2 {
		t.Fatalf("tail: got (%d, %s)", tail.Count, tail.Amount.Dec())
	}
	// b is free again, so it can start a new batch.
	mustDeposit(t, l, 30, "1", b, d)
	tail, err = l.NextWithdrawal(c)
	if err != nil {
		t.Fatalf("NextWithdrawal c: %v", err)
	}
	if tail.Next != d {
		t.Fatalf("c.Next: got %s want %s", tail.Next, d)
	}
	if l.DepositCount() != 5 {
		t.Fatalf("DepositCount: got %d want 5", l.DepositCount())
	}
}

func TestLedger_NonDecreasingMaturity(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	times := []uint64{1, 1, 2, 5, 5, 5, 9, 100, 100}
	for i, now := range times {
		mustDeposit(t, l, now, "10", keyFor(byte(i+1)))
	}

	var (
		prev  uint64
		total uint64
		steps int
	)
	for k := identity.Zero; ; {
		b, err := l.NextWithdrawal(k)
		if err != nil {
			t.Fatalf("NextWithdrawal: %v", err)
		}
		if b.MaturesAt < prev {
			t.Fatalf("maturity decreased: %d after %d", b.MaturesAt, prev)
		}
		prev = b.MaturesAt
		total += b.Count
		steps++
		if b.Next.IsZero() {
			break
		}
		k = b.Next
	}
	if steps != 5 {
		t.Fatalf("batches: got %d want 5", steps)
	}
	if total != uint64(len(times)) {
		t.Fatalf("count: got %d want %d", total, len(times))
	}
}

func TestLedger_DrainBoundary(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	for i := 0; i < 5; i++ {
		mustDeposit(t, l, uint64(i), "7", keyFor(byte(i+1)))
	}

	w, _, err := l.Withdraw(testOwner, 2+testLock, 2)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()
	if w.Drained != 2 || w.Payout.Uint64() != 14 {
		t.Fatalf("first drain: got %d batches, payout %s", w.Drained, w.Payout.Dec())
	}

	// Only one more has matured at this time even with a larger limit.
	w, _, err = l.Withdraw(testOwner, 2+testLock, 10)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()
	if w.Drained != 1 || w.Payout.Uint64() != 7 {
		t.Fatalf("second drain: got %d batches, payout %s", w.Drained, w.Payout.Dec())
	}

	// Nothing matured: a no-op, not an error.
	w, _, err = l.Withdraw(testOwner, 2+testLock, 10)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()
	if w.Drained != 0 || !w.Payout.IsZero() {
		t.Fatalf("expected no-op, got %d batches", w.Drained)
	}

	head, err := l.NextWithdrawal(identity.Zero)
	if err != nil {
		t.Fatalf("NextWithdrawal: %v", err)
	}
	if head.MaturesAt != 3+testLock {
		t.Fatalf("head maturity: got %d", head.MaturesAt)
	}
	if l.DepositCount() != 2 {
		t.Fatalf("DepositCount: got %d want 2", l.DepositCount())
	}

	w, _, err = l.Withdraw(testOwner, 1<<40, 10)
	if err != nil {
		t.Fatalf("Withdraw all: %v", err)
	}
	l.Commit()
	if w.Drained != 2 || l.DepositCount() != 0 {
		t.Fatalf("drain all: got %d batches, count %d", w.Drained, l.DepositCount())
	}
	if _, err := l.NextWithdrawal(identity.Zero); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty queue head: got %v", err)
	}

	// The queue accepts new deposits after emptying.
	mustDeposit(t, l, 1<<40, "1", keyFor(1))
	if head, err := l.NextWithdrawal(identity.Zero); err != nil || head.Key != keyFor(1) {
		t.Fatalf("head after refill: %v %s", err, head.Key)
	}
	assertConserved(t, l)
}

func TestLedger_ClaimPriorityProperty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		deposit uint64
		claim   uint64
	}{
		{name: "no claim", deposit: 100, claim: 0},
		{name: "partial claim", deposit: 100, claim: 30},
		{name: "full claim", deposit: 100, claim: 300},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := mustLedger(t)
			for i := 0; i < 3; i++ {
				mustDeposit(t, l, uint64(i), "100", keyFor(byte(i+1)))
			}
			if tc.claim > 0 {
				if _, err := l.Disburse(testOwner, testStranger, uint256.NewInt(tc.claim)); err != nil {
					t.Fatalf("Disburse: %v", err)
				}
				l.Commit()
			}
			w, _, err := l.Withdraw(testOwner, 1+testLock, 10)
			if err != nil {
				t.Fatalf("Withdraw: %v", err)
			}
			l.Commit()
			// Two batches (200) matured; balance before is 300-claim.
			want := uint64(200)
			if rest := 300 - tc.claim; rest < want {
				want = rest
			}
			if w.Payout.Uint64() != want {
				t.Fatalf("payout: got %s want %d", w.Payout.Dec(), want)
			}
			assertConserved(t, l)
		})
	}
}

func TestLedger_Errors(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	k := keyFor(1)

	if _, err := l.Deposit(testStranger, 1, []identity.Key{k}, dec("1"), dec("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deposit by stranger: got %v", err)
	}
	if _, err := l.Deposit(testOwner, 1, []identity.Key{k, keyFor(2)}, dec("1"), dec("3")); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("mismatch: got %v", err)
	}
	huge := new(uint256.Int).SetAllOne()
	if _, err := l.Deposit(testOwner, 1, []identity.Key{k, keyFor(2)}, huge, huge); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("overflowing total: got %v", err)
	}
	if _, err := l.Deposit(testOwner, 1, nil, dec("1"), dec("0")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no keys: got %v", err)
	}
	if _, err := l.Deposit(testOwner, 1, []identity.Key{identity.Zero}, dec("1"), dec("1")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero key: got %v", err)
	}
	if _, err := l.Disburse(testStranger, testStranger, dec("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("disburse by stranger: got %v", err)
	}
	if _, err := l.Disburse(testOwner, testStranger, dec("1")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw: got %v", err)
	}
	if _, _, err := l.Withdraw(testStranger, 1, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("withdraw by stranger: got %v", err)
	}
	if _, _, err := l.Check(k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("check unknown: got %v", err)
	}
	if _, err := l.NextWithdrawal(k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("peek unknown: got %v", err)
	}

	// Failed calls left no trace.
	if s := l.Stats(); s.DepositCount != 0 || !s.Pooled.IsZero() || !s.Deposited.IsZero() {
		t.Fatalf("state changed after failures: %+v", s)
	}

	mustDeposit(t, l, 100, "1", k)
	if _, err := l.Deposit(testOwner, 101, []identity.Key{k}, dec("1"), dec("1")); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("reuse of live key at new maturity: got %v", err)
	}
	if _, err := l.Deposit(testOwner, 99, []identity.Key{keyFor(2)}, dec("1"), dec("1")); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("clock regression: got %v", err)
	}
	// Same maturity as the tail merges, even for the tail's own key.
	mustDeposit(t, l, 100, "1", k)
	if l.DepositCount() != 2 {
		t.Fatalf("DepositCount: got %d want 2", l.DepositCount())
	}
}

func TestLedger_CheckServesDrainedBatches(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	k := keyFor(1)
	mustDeposit(t, l, 1, "5", k)

	if _, _, err := l.Withdraw(testOwner, 1+testLock, 1); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Commit()

	maturesAt, amount, err := l.Check(k)
	if err != nil {
		t.Fatalf("Check after drain: %v", err)
	}
	if maturesAt != 1+testLock || amount.Uint64() != 5 {
		t.Fatalf("stale entry: got (%d, %s)", maturesAt, amount.Dec())
	}

	// A drained key can be deposited against again and the index follows it.
	mustDeposit(t, l, 2+testLock, "9", k)
	maturesAt, amount, err = l.Check(k)
	if err != nil {
		t.Fatalf("Check after redeposit: %v", err)
	}
	if maturesAt != 2+2*testLock || amount.Uint64() != 9 {
		t.Fatalf("redeposit: got (%d, %s)", maturesAt, amount.Dec())
	}
}

func TestLedger_RevertRestoresEverything(t *testing.T) {
	t.Parallel()

	l := mustLedger(t)
	a, b, c := keyFor(1), keyFor(2), keyFor(3)
	mustDeposit(t, l, 10, "4", a)
	mustDeposit(t, l, 20, "4", b)
	before := l.Snapshot()

	// Merge with refile, then revert.
	if _, err := l.Deposit(testOwner, 20, []identity.Key{c}, dec("4"), dec("4")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	l.Revert()
	assertSameSnapshot(t, before, l.Snapshot())
	if _, err := l.NextWithdrawal(b); err != nil {
		t.Fatalf("b must name the tail again: %v", err)
	}
	if _, _, err := l.Check(c); !errors.Is(err, ErrNotFound) {
		t.Fatalf("c must be unknown after revert: %v", err)
	}

	// Drain, then revert.
	if _, _, err := l.Withdraw(testOwner, 1<<40, 10); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	l.Revert()
	assertSameSnapshot(t, before, l.Snapshot())

	// Claim, then revert.
	if _, err := l.Disburse(testOwner, testStranger, dec("3")); err != nil {
		t.Fatalf("Disburse: %v", err)
	}
	l.Revert()
	assertSameSnapshot(t, before, l.Snapshot())

	// Revert after Commit is a no-op.
	mustDeposit(t, l, 30, "4", c)
	l.Revert()
	if l.DepositCount() != 3 {
		t.Fatalf("committed deposit was reverted")
	}
}

func assertSameSnapshot(t *testing.T, want, got Snapshot) {
	t.Helper()
	if want.Meta.Head != got.Meta.Head || want.Meta.Tail != got.Meta.Tail || want.Meta.PrevTail != got.Meta.PrevTail {
		t.Fatalf("queue pointers: got %s/%s/%s want %s/%s/%s",
			got.Meta.Head, got.Meta.Tail, got.Meta.PrevTail, want.Meta.Head, want.Meta.Tail, want.Meta.PrevTail)
	}
	if want.Meta.DepositCount != got.Meta.DepositCount || !want.Meta.Pooled.Eq(&got.Meta.Pooled) ||
		!want.Meta.PaidOut.Eq(&got.Meta.PaidOut) || !want.Meta.Refunded.Eq(&got.Meta.Refunded) ||
		!want.Meta.Deposited.Eq(&got.Meta.Deposited) {
		t.Fatalf("counters differ")
	}
	if len(want.Batches) != len(got.Batches) {
		t.Fatalf("batches: got %d want %d", len(got.Batches), len(want.Batches))
	}
	for i := range want.Batches {
		w, g := want.Batches[i], got.Batches[i]
		if w.Key != g.Key || w.MaturesAt != g.MaturesAt || w.Count != g.Count || !w.Amount.Eq(&g.Amount) || w.Next != g.Next || w.Drained != g.Drained {
			t.Fatalf("batch %d: got %+v want %+v", i, g, w)
		}
	}
	if len(want.Index) != len(got.Index) {
		t.Fatalf("index: got %d want %d", len(got.Index), len(want.Index))
	}
	for i := range want.Index {
		if want.Index[i] != got.Index[i] {
			t.Fatalf("index %d: got %+v want %+v", i, got.Index[i], want.Index[i])
		}
	}
}
