package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type SettlementKind string

const (
	SettleDeposit  SettlementKind = "deposit"
	SettleDisburse SettlementKind = "disburse"
	SettleRefund   SettlementKind = "refund"
)

// Settlement describes the ledger mutation a value movement belongs to. It is
// attached to the context handed to Transferer and Collector.
//
// Sequence is the cumulative total the movement brings the ledger to:
// Deposited for deposits, PaidOut+Refunded for outflows. It grows with every
// committed movement, so (Owner, Kind, Sequence) names one movement even
// across restarts.
type Settlement struct {
	Kind     SettlementKind
	Owner    common.Address
	Sequence uint256.Int
}

type settlementKey struct{}

func WithSettlement(ctx context.Context, s Settlement) context.Context {
	return context.WithValue(ctx, settlementKey{}, s)
}

func SettlementFrom(ctx context.Context) (Settlement, bool) {
	s, ok := ctx.Value(settlementKey{}).(Settlement)
	return s, ok
}

func newSettlement(kind SettlementKind, m Meta) Settlement {
	s := Settlement{Kind: kind, Owner: m.Owner}
	if kind == SettleDeposit {
		s.Sequence.Set(&m.Deposited)
	} else {
		// Bounded by Deposited, cannot overflow.
		s.Sequence.Add(&m.PaidOut, &m.Refunded)
	}
	return s
}
