package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/escrow"
)

// MemoryBank is an in-process account book. Collect moves value from a
// depositor into the vault account and Transfer moves it out again, so the
// vault balance tracks the ledger's pooled balance.
type MemoryBank struct {
	mu       sync.Mutex
	vault    common.Address
	balances map[common.Address]uint256.Int
}

func NewMemoryBank(vault common.Address) *MemoryBank {
	return &MemoryBank{
		vault:    vault,
		balances: make(map[common.Address]uint256.Int),
	}
}

func (b *MemoryBank) Vault() common.Address { return b.vault }

// Mint credits an account out of thin air. Used to fund depositors.
func (b *MemoryBank) Mint(to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit(to, amount)
}

func (b *MemoryBank) Balance(addr common.Address) uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

func (b *MemoryBank) Collect(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, b.vault, amount)
}

func (b *MemoryBank) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.vault, to, amount)
}

func (b *MemoryBank) move(from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInsufficientBalance)
	}
	src := b.balances[from]
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	dst := b.balances[to]
	if _, overflow := dst.AddOverflow(&dst, amount); overflow {
		return fmt.Errorf("%w: %s", ErrOverflow, to.Hex())
	}
	src.Sub(&src, amount)
	b.balances[from] = src
	b.balances[to] = dst
	return nil
}

func (b *MemoryBank) credit(to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return nil
	}
	dst := b.balances[to]
	if _, overflow := dst.AddOverflow(&dst, amount); overflow {
		return fmt.Errorf("%w: %s", ErrOverflow, to.Hex())
	}
	b.balances[to] = dst
	return nil
}

var (
	_ escrow.Transferer = (*MemoryBank)(nil)
	_ escrow.Collector  = (*MemoryBank)(nil)
)
