// Package archive keeps point-in-time JSON copies of the escrow ledger in
// object storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/escrow"
	"github.com/juno-intents/depositholder/internal/identity"
)

const (
	DocumentV1 = "escrow.snapshot.v1"

	latestKey   = "snapshots/latest.json"
	contentType = "application/json"
)

// Document is the archived form of escrow.Snapshot. Amounts are decimal
// strings.
type Document struct {
	Version string    `json:"version"`
	TakenAt time.Time `json:"takenAt"`

	Owner        common.Address `json:"owner"`
	LockDuration uint64         `json:"lockDuration"`
	Head         identity.Key   `json:"head"`
	Tail         identity.Key   `json:"tail"`
	PrevTail     identity.Key   `json:"prevTail"`

	DepositCount uint64 `json:"depositCount"`
	Pooled       string `json:"pooled"`
	PaidOut      string `json:"paidOut"`
	Deposited    string `json:"deposited"`
	Refunded     string `json:"refunded"`

	Batches []DocumentBatch `json:"batches"`
	Index   []DocumentIndex `json:"index"`
}

type DocumentBatch struct {
	Key       identity.Key `json:"key"`
	MaturesAt uint64       `json:"maturesAt"`
	Count     uint64       `json:"count"`
	Amount    string       `json:"amount"`
	Next      identity.Key `json:"next"`
	Drained   bool         `json:"drained,omitempty"`
}

type DocumentIndex struct {
	Key       identity.Key `json:"key"`
	MaturesAt uint64       `json:"maturesAt"`
}

func NewDocument(s escrow.Snapshot, takenAt time.Time) Document {
	m := s.Meta
	d := Document{
		Version:      DocumentV1,
		TakenAt:      takenAt.UTC(),
		Owner:        m.Owner,
		LockDuration: m.LockDuration,
		Head:         m.Head,
		Tail:         m.Tail,
		PrevTail:     m.PrevTail,
		DepositCount: m.DepositCount,
		Pooled:       m.Pooled.Dec(),
		PaidOut:      m.PaidOut.Dec(),
		Deposited:    m.Deposited.Dec(),
		Refunded:     m.Refunded.Dec(),
		Batches:      make([]DocumentBatch, 0, len(s.Batches)),
		Index:        make([]DocumentIndex, 0, len(s.Index)),
	}
	for _, b := range s.Batches {
		d.Batches = append(d.Batches, DocumentBatch{
			Key:       b.Key,
			MaturesAt: b.MaturesAt,
			Count:     b.Count,
			Amount:    b.Amount.Dec(),
			Next:      b.Next,
			Drained:   b.Drained,
		})
	}
	for _, r := range s.Index {
		d.Index = append(d.Index, DocumentIndex{Key: r.Key, MaturesAt: r.MaturesAt})
	}
	return d
}

// Snapshot converts d back. The result still has to pass escrow.Restore.
func (d Document) Snapshot() (escrow.Snapshot, error) {
	if d.Version != DocumentV1 {
		return escrow.Snapshot{}, fmt.Errorf("archive: unsupported document version %q", d.Version)
	}
	s := escrow.Snapshot{
		Meta: escrow.Meta{
			Owner:        d.Owner,
			LockDuration: d.LockDuration,
			Head:         d.Head,
			Tail:         d.Tail,
			PrevTail:     d.PrevTail,
			DepositCount: d.DepositCount,
		},
		Batches: make([]escrow.BatchRecord, 0, len(d.Batches)),
		Index:   make([]escrow.IndexRecord, 0, len(d.Index)),
	}
	for name, f := range map[string]struct {
		dst *uint256.Int
		raw string
	}{
		"pooled":    {&s.Meta.Pooled, d.Pooled},
		"paidOut":   {&s.Meta.PaidOut, d.PaidOut},
		"deposited": {&s.Meta.Deposited, d.Deposited},
		"refunded":  {&s.Meta.Refunded, d.Refunded},
	} {
		if err := f.dst.SetFromDecimal(f.raw); err != nil {
			return escrow.Snapshot{}, fmt.Errorf("archive: invalid %s %q: %w", name, f.raw, err)
		}
	}
	for _, b := range d.Batches {
		r := escrow.BatchRecord{Drained: b.Drained}
		r.Key = b.Key
		r.MaturesAt = b.MaturesAt
		r.Count = b.Count
		r.Next = b.Next
		if err := r.Amount.SetFromDecimal(b.Amount); err != nil {
			return escrow.Snapshot{}, fmt.Errorf("archive: invalid batch %d amount %q: %w", b.MaturesAt, b.Amount, err)
		}
		s.Batches = append(s.Batches, r)
	}
	for _, r := range d.Index {
		s.Index = append(s.Index, escrow.IndexRecord{Key: r.Key, MaturesAt: r.MaturesAt})
	}
	return s, nil
}

// Source is satisfied by *escrow.Service.
type Source interface {
	Snapshot() escrow.Snapshot
}

type Config struct {
	Blobs  Blobs
	Source Source
	Now    func() time.Time
	Log    *slog.Logger

	// Enabled gates the ticks of Run. Nil archives on every tick.
	Enabled func() bool
}

// Archiver writes each snapshot under a timestamped key and repoints
// snapshots/latest.json at it.
type Archiver struct {
	blobs   Blobs
	source  Source
	now     func() time.Time
	log     *slog.Logger
	enabled func() bool

	mu   sync.Mutex
	last *escrow.Meta
}

func New(cfg Config) (*Archiver, error) {
	if cfg.Blobs == nil || cfg.Source == nil {
		return nil, fmt.Errorf("%w: nil blobs or source", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Archiver{blobs: cfg.Blobs, source: cfg.Source, now: cfg.Now, log: cfg.Log, enabled: cfg.Enabled}, nil
}

// Archive stores the current snapshot. It returns the written key and false
// when the ledger has not changed since the previous Archive.
func (a *Archiver) Archive(ctx context.Context) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.source.Snapshot()
	if a.last != nil && *a.last == snap.Meta {
		return "", false, nil
	}

	takenAt := a.now().UTC()
	payload, err := json.Marshal(NewDocument(snap, takenAt))
	if err != nil {
		return "", false, fmt.Errorf("archive: marshal snapshot: %w", err)
	}

	key := "snapshots/" + strconv.FormatInt(takenAt.Unix(), 10) + "-" + strconv.FormatUint(snap.Meta.DepositCount, 10) + ".json"
	if err := a.blobs.Put(ctx, key, payload, contentType); err != nil {
		return "", false, err
	}
	if err := a.blobs.Put(ctx, latestKey, payload, contentType); err != nil {
		return "", false, err
	}

	meta := snap.Meta
	a.last = &meta
	return key, true, nil
}

// Latest reads back the most recent snapshot.
func (a *Archiver) Latest(ctx context.Context) (escrow.Snapshot, time.Time, error) {
	return Load(ctx, a.blobs, latestKey)
}

func Load(ctx context.Context, blobs Blobs, key string) (escrow.Snapshot, time.Time, error) {
	raw, err := blobs.Get(ctx, key)
	if err != nil {
		return escrow.Snapshot{}, time.Time{}, err
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return escrow.Snapshot{}, time.Time{}, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	s, err := d.Snapshot()
	if err != nil {
		return escrow.Snapshot{}, time.Time{}, err
	}
	return s, d.TakenAt, nil
}

// Run archives every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if a.enabled != nil && !a.enabled() {
				continue
			}
			key, wrote, err := a.Archive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Error("archive snapshot", "err", err)
				continue
			}
			if wrote {
				a.log.Info("archived snapshot", "key", key)
			}
		}
	}
}
