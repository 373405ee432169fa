package escrow

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/identity"
)

// Snapshot is a complete copy of the ledger. Batches lists live batches from
// head to tail followed by drained batches that index entries still point at.
type Snapshot struct {
	Meta    Meta
	Batches []BatchRecord
	Index   []IndexRecord
}

// Snapshot copies the ledger. It is O(live batches + index entries).
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{Meta: l.meta()}

	for k := l.q.head; !k.IsZero(); {
		b := l.q.batches[k]
		s.Batches = append(s.Batches, b.record())
		k = b.next
	}

	var drained []*batch
	seen := make(map[*batch]struct{})
	for k, b := range l.index {
		s.Index = append(s.Index, IndexRecord{Key: k, MaturesAt: b.maturesAt})
		if !b.drained {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		drained = append(drained, b)
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].maturesAt < drained[j].maturesAt })
	for _, b := range drained {
		s.Batches = append(s.Batches, b.record())
	}
	sort.Slice(s.Index, func(i, j int) bool {
		return s.Index[i].Key.Hex() < s.Index[j].Key.Hex()
	})
	return s
}

// Restore rebuilds a ledger from a snapshot and verifies the queue links and
// counters agree.
func Restore(s Snapshot) (*Ledger, error) {
	l, err := NewLedger(s.Meta.Owner, s.Meta.LockDuration)
	if err != nil {
		return nil, err
	}

	byMaturity := make(map[uint64]*batch, len(s.Batches))
	for _, r := range s.Batches {
		if _, dup := byMaturity[r.MaturesAt]; dup {
			return nil, fmt.Errorf("%w: duplicate batch maturing at %d", ErrCorrupt, r.MaturesAt)
		}
		b := &batch{
			key:       r.Key,
			maturesAt: r.MaturesAt,
			count:     r.Count,
			next:      r.Next,
			drained:   r.Drained,
		}
		b.amount.Set(&r.Amount)
		byMaturity[r.MaturesAt] = b
		if r.Drained {
			continue
		}
		if r.Key.IsZero() || r.Count == 0 {
			return nil, fmt.Errorf("%w: invalid live batch maturing at %d", ErrCorrupt, r.MaturesAt)
		}
		if _, dup := l.q.batches[r.Key]; dup {
			return nil, fmt.Errorf("%w: key %s files two live batches", ErrCorrupt, r.Key)
		}
		l.q.batches[r.Key] = b
	}

	var (
		count    uint64
		prev     *batch
		prevKey  identity.Key
		walked   int
		lastSeen identity.Key
	)
	for k := s.Meta.Head; !k.IsZero(); {
		b, ok := l.q.batches[k]
		if !ok {
			return nil, fmt.Errorf("%w: dangling link to %s", ErrCorrupt, k)
		}
		if prev != nil && b.maturesAt <= prev.maturesAt {
			return nil, fmt.Errorf("%w: maturity order broken at %s", ErrCorrupt, k)
		}
		walked++
		if walked > len(l.q.batches) {
			return nil, fmt.Errorf("%w: cycle in queue", ErrCorrupt)
		}
		count += b.count
		prevKey = lastSeen
		lastSeen = k
		prev = b
		k = b.next
	}
	if walked != len(l.q.batches) {
		return nil, fmt.Errorf("%w: %d live batches unreachable from head", ErrCorrupt, len(l.q.batches)-walked)
	}
	if lastSeen != s.Meta.Tail {
		return nil, fmt.Errorf("%w: tail %s, walked to %s", ErrCorrupt, s.Meta.Tail, lastSeen)
	}
	if prevKey != s.Meta.PrevTail {
		return nil, fmt.Errorf("%w: prev tail %s, walked to %s", ErrCorrupt, s.Meta.PrevTail, prevKey)
	}
	if count != s.Meta.DepositCount {
		return nil, fmt.Errorf("%w: deposit count %d, batches hold %d", ErrCorrupt, s.Meta.DepositCount, count)
	}

	var sum uint256.Int
	sum.Add(&s.Meta.Pooled, &s.Meta.PaidOut)
	sum.Add(&sum, &s.Meta.Refunded)
	if !sum.Eq(&s.Meta.Deposited) {
		return nil, fmt.Errorf("%w: pooled+paid+refunded %s != deposited %s", ErrCorrupt, sum.Dec(), s.Meta.Deposited.Dec())
	}

	for _, r := range s.Index {
		b, ok := byMaturity[r.MaturesAt]
		if !ok {
			return nil, fmt.Errorf("%w: index %s points at unknown maturity %d", ErrCorrupt, r.Key, r.MaturesAt)
		}
		l.index[r.Key] = b
	}

	l.q.head = s.Meta.Head
	l.q.tail = s.Meta.Tail
	l.q.prevTail = s.Meta.PrevTail
	l.depositCount = s.Meta.DepositCount
	l.pooled.Set(&s.Meta.Pooled)
	l.paidOut.Set(&s.Meta.PaidOut)
	l.deposited.Set(&s.Meta.Deposited)
	l.refunded.Set(&s.Meta.Refunded)
	return l, nil
}

// BuildSnapshot assembles a snapshot from unordered stored rows. Live batches
// are ordered by walking from the head; drained batches not referenced by any
// index entry are dropped.
func BuildSnapshot(meta Meta, batches []BatchRecord, index []IndexRecord) Snapshot {
	s := Snapshot{Meta: meta, Index: index}

	live := make(map[identity.Key]BatchRecord)
	drained := make(map[uint64]BatchRecord)
	for _, r := range batches {
		if r.Drained {
			drained[r.MaturesAt] = r
			continue
		}
		live[r.Key] = r
	}
	for k := meta.Head; !k.IsZero(); {
		r, ok := live[k]
		if !ok {
			// Restore reports the broken link.
			s.Batches = append(s.Batches, BatchRecord{Batch: Batch{Key: k}})
			break
		}
		delete(live, k)
		s.Batches = append(s.Batches, r)
		k = r.Next
	}
	// Unreachable live rows are kept so Restore can reject them.
	for _, r := range live {
		s.Batches = append(s.Batches, r)
	}

	referenced := make(map[uint64]struct{}, len(index))
	for _, r := range index {
		referenced[r.MaturesAt] = struct{}{}
	}
	var tail []BatchRecord
	for m, r := range drained {
		if _, ok := referenced[m]; ok {
			tail = append(tail, r)
		}
	}
	sort.Slice(tail, func(i, j int) bool { return tail[i].MaturesAt < tail[j].MaturesAt })
	s.Batches = append(s.Batches, tail...)
	return s
}
