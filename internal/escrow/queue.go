package escrow

import (
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

// batch is a node of the maturity queue. Nodes are filed in an arena keyed by
// the identity key of their most recent depositor and linked through Next.
type batch struct {
	key       identity.Key
	maturesAt uint64
	count     uint64
	amount    uint256.Int
	next      identity.Key
	drained   bool
}

func (b *batch) view() Batch {
	out := Batch{
		Key:       b.key,
		MaturesAt: b.maturesAt,
		Count:     b.count,
		Next:      b.next,
	}
	out.Amount.Set(&b.amount)
	return out
}

func (b *batch) record() BatchRecord {
	return BatchRecord{Batch: b.view(), Drained: b.drained}
}

// maturityQueue is a FIFO of batches ordered by maturity. Only the tail is ever
// merged into and only the head is ever removed.
type maturityQueue struct {
	head, tail identity.Key
	// prevTail is the node linking to tail, or Zero when head == tail.
	prevTail identity.Key
	batches  map[identity.Key]*batch
}

func (q *maturityQueue) tailBatch() *batch {
	if q.tail.IsZero() {
		return nil
	}
	return q.batches[q.tail]
}

// insert files amount under key at maturesAt, merging into the tail when the
// maturities match. The caller has already checked key is free.
func (l *Ledger) insert(key identity.Key, maturesAt uint64, amount *uint256.Int) *batch {
	q := &l.q
	if t := q.tailBatch(); t != nil && t.maturesAt == maturesAt {
		l.touch(t)
		t.count++
		t.amount.Add(&t.amount, amount)
		if t.key != key {
			l.refile(t, key)
		}
		return t
	}

	b := &batch{key: key, maturesAt: maturesAt, count: 1}
	b.amount.Set(amount)
	l.created(b)
	if t := q.tailBatch(); t != nil {
		l.touch(t)
		t.next = key
		q.prevTail = q.tail
	} else {
		q.head = key
		q.prevTail = identity.Zero
	}
	q.tail = key
	l.bindArena(key, b)
	return b
}

// refile moves the tail node to key and relinks its predecessor.
func (l *Ledger) refile(t *batch, key identity.Key) {
	q := &l.q
	l.bindArena(t.key, nil)
	if q.prevTail.IsZero() {
		q.head = key
	} else {
		p := q.batches[q.prevTail]
		l.touch(p)
		p.next = key
	}
	q.tail = key
	t.key = key
	l.bindArena(key, t)
}

// peekFrom returns the head batch for the zero key, or the live batch filed
// under key.
func (q *maturityQueue) peekFrom(key identity.Key) (*batch, bool) {
	if key.IsZero() {
		key = q.head
		if key.IsZero() {
			return nil, false
		}
	}
	b, ok := q.batches[key]
	return b, ok
}

// drainMatured removes up to limit batches with maturesAt <= now from the
// head and returns the nominal amount they held.
func (l *Ledger) drainMatured(now uint64, limit int) (nominal uint256.Int, drained int, deposits uint64) {
	q := &l.q
	for drained < limit && !q.head.IsZero() {
		b := q.batches[q.head]
		if b.maturesAt > now {
			break
		}
		l.touch(b)
		nominal.Add(&nominal, &b.amount)
		l.bindArena(b.key, nil)
		q.head = b.next
		b.drained = true
		l.depositCount -= b.count
		deposits += b.count
		drained++

		switch {
		case q.head.IsZero():
			q.tail = identity.Zero
			q.prevTail = identity.Zero
		case q.head == q.tail:
			q.prevTail = identity.Zero
		}
	}
	return nominal, drained, deposits
}
