package escrow

import (
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

// journal records what a single mutating call changed so it can be undone
// when persistence or settlement fails. Its size is bounded by the work the
// call did.
type journal struct {
	active bool

	head, tail, prevTail identity.Key
	depositCount         uint64
	pooled               uint256.Int
	paidOut              uint256.Int
	deposited            uint256.Int
	refunded             uint256.Int

	// saved holds the prior contents of batches that existed before the call.
	saved map[*batch]batch
	seen  map[*batch]struct{}
	// touched lists every batch modified or created, in first-touch order.
	touched []*batch
	arena   []binding
	index   []binding
}

type binding struct {
	key  identity.Key
	prev *batch
}

func (l *Ledger) begin() {
	j := &l.journal
	j.active = true
	j.head, j.tail, j.prevTail = l.q.head, l.q.tail, l.q.prevTail
	j.depositCount = l.depositCount
	j.pooled.Set(&l.pooled)
	j.paidOut.Set(&l.paidOut)
	j.deposited.Set(&l.deposited)
	j.refunded.Set(&l.refunded)
	j.saved = make(map[*batch]batch)
	j.seen = make(map[*batch]struct{})
	j.touched = j.touched[:0]
	j.arena = j.arena[:0]
	j.index = j.index[:0]
}

// touch must be called before b is modified.
func (l *Ledger) touch(b *batch) {
	j := &l.journal
	if !j.active {
		return
	}
	if _, ok := j.seen[b]; ok {
		return
	}
	j.seen[b] = struct{}{}
	j.saved[b] = *b
	j.touched = append(j.touched, b)
}

func (l *Ledger) created(b *batch) {
	j := &l.journal
	if j.active {
		j.seen[b] = struct{}{}
		j.touched = append(j.touched, b)
	}
}

func (l *Ledger) bindArena(key identity.Key, b *batch) {
	if l.journal.active {
		l.journal.arena = append(l.journal.arena, binding{key: key, prev: l.q.batches[key]})
	}
	if b == nil {
		delete(l.q.batches, key)
		return
	}
	l.q.batches[key] = b
}

func (l *Ledger) bindIndex(key identity.Key, b *batch) {
	if l.journal.active {
		l.journal.index = append(l.journal.index, binding{key: key, prev: l.index[key]})
	}
	l.index[key] = b
}

// Revert undoes the most recent mutating call. It is a no-op when that call
// failed validation or was already committed.
func (l *Ledger) Revert() {
	j := &l.journal
	if !j.active {
		return
	}
	for i := len(j.index) - 1; i >= 0; i-- {
		e := j.index[i]
		if e.prev == nil {
			delete(l.index, e.key)
		} else {
			l.index[e.key] = e.prev
		}
	}
	for i := len(j.arena) - 1; i >= 0; i-- {
		e := j.arena[i]
		if e.prev == nil {
			delete(l.q.batches, e.key)
		} else {
			l.q.batches[e.key] = e.prev
		}
	}
	for b, prev := range j.saved {
		*b = prev
	}
	l.q.head, l.q.tail, l.q.prevTail = j.head, j.tail, j.prevTail
	l.depositCount = j.depositCount
	l.pooled.Set(&j.pooled)
	l.paidOut.Set(&j.paidOut)
	l.deposited.Set(&j.deposited)
	l.refunded.Set(&j.refunded)
	l.Commit()
}

// Commit discards the undo journal of the most recent mutating call.
func (l *Ledger) Commit() {
	j := &l.journal
	j.active = false
	j.saved = nil
	j.seen = nil
	j.touched = j.touched[:0]
	j.arena = j.arena[:0]
	j.index = j.index[:0]
}

// change describes the post-state of everything the current call touched.
func (l *Ledger) change() Change {
	j := &l.journal
	c := Change{Meta: l.meta()}
	for _, b := range j.touched {
		c.Batches = append(c.Batches, b.record())
	}
	seen := make(map[identity.Key]struct{}, len(j.index))
	for _, e := range j.index {
		if _, ok := seen[e.key]; ok {
			continue
		}
		seen[e.key] = struct{}{}
		if b := l.index[e.key]; b != nil {
			c.Index = append(c.Index, IndexRecord{Key: e.key, MaturesAt: b.maturesAt})
		}
	}
	return c
}
