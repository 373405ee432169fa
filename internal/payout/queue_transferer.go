package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/escrow"
	"github.com/juno-intents/depositholder/internal/idempotency"
	"github.com/juno-intents/depositholder/internal/queue"
)

const InstructionV1 = "escrow.payout.v1"

var ErrNoSettlement = errors.New("payout: transfer outside a ledger settlement")

// Instruction asks a downstream settler to send Amount to To. ID is stable
// for a given ledger movement, so redelivered instructions can be dropped.
type Instruction struct {
	Version  string         `json:"version"`
	ID       common.Hash    `json:"id"`
	Kind     string         `json:"kind"`
	Owner    common.Address `json:"owner"`
	Sequence string         `json:"sequence"`
	To       common.Address `json:"to"`
	Amount   string         `json:"amount"`
	IssuedAt time.Time      `json:"issuedAt"`
}

// Writer is the subset of queue.Producer the transferer needs.
type Writer interface {
	Write(ctx context.Context, records ...queue.Record) error
}

type QueueTransfererConfig struct {
	Writer Writer
	Topic  string
	Now    func() time.Time
}

// QueueTransferer settles outflows by publishing an Instruction. The
// instruction is written before the ledger transaction commits; a failed
// write aborts the mutation.
type QueueTransferer struct {
	w     Writer
	topic string
	now   func() time.Time
}

func NewQueueTransferer(cfg QueueTransfererConfig) (*QueueTransferer, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("%w: nil writer", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidConfig)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &QueueTransferer{w: cfg.Writer, topic: topic, now: now}, nil
}

func (q *QueueTransferer) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	st, ok := escrow.SettlementFrom(ctx)
	if !ok {
		return ErrNoSettlement
	}
	if amount == nil {
		return fmt.Errorf("payout: nil amount")
	}

	in := Instruction{
		Version:  InstructionV1,
		ID:       idempotency.PayoutIDV1(st.Owner, string(st.Kind), &st.Sequence, to, amount),
		Kind:     string(st.Kind),
		Owner:    st.Owner,
		Sequence: st.Sequence.Dec(),
		To:       to,
		Amount:   amount.Dec(),
		IssuedAt: q.now().UTC(),
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("payout: marshal instruction: %w", err)
	}

	return q.w.Write(ctx, queue.Record{
		Topic:   q.topic,
		Key:     to.Bytes(),
		Value:   payload,
		Headers: map[string]string{"version": InstructionV1, "id": in.ID.Hex()},
	})
}

var _ escrow.Transferer = (*QueueTransferer)(nil)
