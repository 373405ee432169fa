package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

type Config struct {
	Owner        common.Address
	LockDuration uint64

	Store      Store
	Transferer Transferer
	Clock      Clock

	// Events is optional; when set, committed mutations are published to
	// EventTopic.
	Events     Publisher
	EventTopic string

	Log *slog.Logger
}

// Service is the single-writer front of a Ledger. Every call runs to
// completion under one lock, and every mutating call is all-or-nothing across
// the ledger, the store and the transferer.
type Service struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	ledger *Ledger
	epoch  uint64
}

// Open loads the ledger from cfg.Store, or initializes an empty one owned by
// cfg.Owner when the store is empty.
func Open(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.LockDuration == 0 {
		return nil, fmt.Errorf("%w: lock duration must be > 0", ErrInvalidConfig)
	}
	if cfg.Store == nil || cfg.Transferer == nil {
		return nil, fmt.Errorf("%w: nil store or transferer", ErrInvalidConfig)
	}
	if cfg.Events != nil && strings.TrimSpace(cfg.EventTopic) == "" {
		return nil, fmt.Errorf("%w: missing event topic", ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	snap, ok, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: load ledger: %w", err)
	}

	var ledger *Ledger
	if ok {
		ledger, err = restoreFor(cfg, snap)
		if err != nil {
			return nil, err
		}
		cfg.Log.Info("restored ledger", "owner", cfg.Owner.Hex(), "deposit_count", ledger.DepositCount(), "pooled", snap.Meta.Pooled.Dec())
	} else {
		ledger, err = NewLedger(cfg.Owner, cfg.LockDuration)
		if err != nil {
			return nil, err
		}
		if err := cfg.Store.Commit(ctx, Change{Meta: ledger.meta()}, nil); err != nil {
			return nil, fmt.Errorf("escrow: init ledger: %w", err)
		}
		cfg.Log.Info("initialized ledger", "owner", cfg.Owner.Hex(), "lock_duration", cfg.LockDuration)
	}

	return &Service{
		cfg:    cfg,
		log:    cfg.Log,
		ledger: ledger,
	}, nil
}

func restoreFor(cfg Config, snap Snapshot) (*Ledger, error) {
	if snap.Meta.Owner != cfg.Owner || snap.Meta.LockDuration != cfg.LockDuration {
		return nil, fmt.Errorf("%w: stored ledger is owned by %s with lock %d", ErrInvalidConfig, snap.Meta.Owner.Hex(), snap.Meta.LockDuration)
	}
	return Restore(snap)
}

// Reload replaces the in-memory ledger with the stored one and stamps later
// commits with epoch. A process that just became the writer calls it with its
// lease epoch before mutating; followers call it with zero to refresh what
// they serve. Mutations wait until the reload finishes.
func (s *Service) Reload(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok, err := s.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("escrow: reload ledger: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: stored ledger disappeared", ErrCorrupt)
	}
	ledger, err := restoreFor(s.cfg, snap)
	if err != nil {
		return err
	}
	s.ledger = ledger
	s.epoch = epoch
	return nil
}

func (s *Service) Owner() common.Address { return s.cfg.Owner }

func (s *Service) LockDuration() uint64 { return s.cfg.LockDuration }

// Deposit files keys under one maturity and returns it.
func (s *Service) Deposit(ctx context.Context, caller common.Address, keys []identity.Key, amountPerKey, value *uint256.Int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	change, err := s.ledger.Deposit(caller, now, keys, amountPerKey, value)
	if err != nil {
		return 0, err
	}
	change.Epoch = s.epoch

	var settle func(context.Context) error
	if c, ok := s.cfg.Transferer.(Collector); ok {
		st := newSettlement(SettleDeposit, change.Meta)
		settle = func(ctx context.Context) error {
			if err := c.Collect(WithSettlement(ctx, st), caller, value); err != nil {
				return fmt.Errorf("escrow: collect deposit: %w", err)
			}
			return nil
		}
	}
	if err := s.cfg.Store.Commit(ctx, change, settle); err != nil {
		s.ledger.Revert()
		return 0, err
	}
	s.ledger.Commit()

	e := newEvent(EventDepositedV1, now, change.Meta)
	e.Keys = append([]identity.Key(nil), keys...)
	e.AmountPerKey = amountPerKey.Dec()
	e.Amount = value.Dec()
	e.MaturesAt = now + s.cfg.LockDuration
	s.publish(ctx, e)

	s.log.Info("deposit", "keys", len(keys), "amount_per_key", amountPerKey.Dec(), "matures_at", e.MaturesAt, "deposit_count", change.Meta.DepositCount)
	return e.MaturesAt, nil
}

func (s *Service) Disburse(ctx context.Context, caller common.Address, recipient common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	change, err := s.ledger.Disburse(caller, recipient, amount)
	if err != nil {
		return err
	}
	change.Epoch = s.epoch
	st := newSettlement(SettleDisburse, change.Meta)
	err = s.cfg.Store.Commit(ctx, change, func(ctx context.Context) error {
		if err := s.cfg.Transferer.Transfer(WithSettlement(ctx, st), recipient, amount); err != nil {
			return fmt.Errorf("escrow: disburse transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		s.ledger.Revert()
		return err
	}
	s.ledger.Commit()

	e := newEvent(EventDisbursedV1, s.cfg.Clock.Now(), change.Meta)
	e.Recipient = &recipient
	e.Amount = amount.Dec()
	s.publish(ctx, e)

	s.log.Info("disburse", "recipient", recipient.Hex(), "amount", amount.Dec(), "pooled", change.Meta.Pooled.Dec())
	return nil
}

// Withdraw refunds matured collateral to the owner, draining at most limit
// batches. Callers repeat it until Withdrawal.Drained < limit.
func (s *Service) Withdraw(ctx context.Context, caller common.Address, limit int) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	w, change, err := s.ledger.Withdraw(caller, now, limit)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Drained == 0 {
		s.ledger.Commit()
		return w, nil
	}
	change.Epoch = s.epoch

	var settle func(context.Context) error
	if !w.Payout.IsZero() {
		payout := new(uint256.Int).Set(&w.Payout)
		st := newSettlement(SettleRefund, change.Meta)
		settle = func(ctx context.Context) error {
			if err := s.cfg.Transferer.Transfer(WithSettlement(ctx, st), w.To, payout); err != nil {
				return fmt.Errorf("escrow: refund transfer: %w", err)
			}
			return nil
		}
	}
	if err := s.cfg.Store.Commit(ctx, change, settle); err != nil {
		s.ledger.Revert()
		return Withdrawal{}, err
	}
	s.ledger.Commit()

	e := newEvent(EventWithdrawnV1, now, change.Meta)
	e.Recipient = &w.To
	e.Amount = w.Payout.Dec()
	e.Nominal = w.Nominal.Dec()
	e.Drained = w.Drained
	e.DrainedDeposits = w.DrainedDeposits
	s.publish(ctx, e)

	s.log.Info("withdraw", "drained", w.Drained, "nominal", w.Nominal.Dec(), "payout", w.Payout.Dec(), "deposit_count", change.Meta.DepositCount)
	return w, nil
}

func (s *Service) Check(key identity.Key) (uint64, uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Check(key)
}

func (s *Service) NextWithdrawal(key identity.Key) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.NextWithdrawal(key)
}

func (s *Service) DepositCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.DepositCount()
}

func (s *Service) PaidOut() uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PaidOut()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Stats()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Snapshot()
}

// publish is best effort: the mutation is already durable.
func (s *Service) publish(ctx context.Context, e Event) {
	if s.cfg.Events == nil {
		return
	}
	payload, err := e.encode()
	if err == nil {
		err = s.cfg.Events.Publish(ctx, s.cfg.EventTopic, payload)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("publish ledger event", "version", e.Version, "err", err)
	}
}
