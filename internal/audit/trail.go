// Package audit is the append-only, order-preserving record of every state
// transition in the settlement engine.
//
// Events are totally ordered by Seq. Nothing in the engine rewrites or
// deletes an event; corrections (for example a transaction hash reported by
// the chain-submission layer) are appended as new events.
package audit

import (
	"fmt"
	"iter"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// Recorder is what the settlement components write through.
type Recorder interface {
	Append(kind, refID string, detail map[string]string) (models.AuditEvent, error)
}

// Store persists events. Put is called with strictly increasing Seq.
type Store interface {
	Put(ev models.AuditEvent) error
	LastSeq() (uint64, error)
	// Scan yields events with Seq >= from in Seq order from a point-in-time
	// snapshot. Each range over the result starts a fresh snapshot.
	Scan(from uint64) iter.Seq2[models.AuditEvent, error]
	Close() error
}

// Trail assigns sequence numbers and fans events out to subscribers.
type Trail struct {
	mu    sync.Mutex // serializes seq assignment with the store write
	last  uint64
	store Store
	clock clock.Clock
	log   *zap.Logger

	subsMu sync.RWMutex
	subs   map[int]chan models.AuditEvent
	nextID int
}

// NewTrail opens a trail on store, resuming after the last persisted seq.
func NewTrail(store Store, clk clock.Clock, log *zap.Logger) (*Trail, error) {
	if log == nil {
		log = zap.NewNop()
	}
	last, err := store.LastSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to read last audit seq: %w", err)
	}
	return &Trail{
		last:  last,
		store: store,
		clock: clk,
		log:   log,
		subs:  make(map[int]chan models.AuditEvent),
	}, nil
}

// Append records a new event. A store failure is fatal: the returned error
// wraps fault.ErrStorageExhausted and no sequence number is consumed.
func (t *Trail) Append(kind, refID string, detail map[string]string) (models.AuditEvent, error) {
	t.mu.Lock()
	ev := models.AuditEvent{
		Seq:       t.last + 1,
		Kind:      kind,
		RefID:     refID,
		Timestamp: t.clock.Now(),
		Detail:    maps.Clone(detail),
	}
	if err := t.store.Put(ev); err != nil {
		t.mu.Unlock()
		t.log.Error("audit append failed",
			zap.String("kind", kind),
			zap.String("ref", refID),
			zap.Error(err),
		)
		return models.AuditEvent{}, fmt.Errorf("%w: %v", fault.ErrStorageExhausted, err)
	}
	t.last = ev.Seq
	t.mu.Unlock()

	t.publish(ev)
	return ev, nil
}

// RecordTxHash attaches a chain transaction id to refID by appending a
// tx_confirmed event.
func (t *Trail) RecordTxHash(refID, txHash string) (models.AuditEvent, error) {
	if refID == "" || txHash == "" {
		return models.AuditEvent{}, fmt.Errorf("ref id and tx hash are required: %w", fault.ErrInvalidParams)
	}
	return t.Append(models.EventTxConfirmed, refID, map[string]string{"txHash": txHash})
}

// LastSeq returns the seq of the most recent event.
func (t *Trail) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Query returns a lazy, restartable sequence of events matching f.
// It reads from a store snapshot and never holds the append lock.
func (t *Trail) Query(f Filter) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		n := 0
		for ev, err := range t.store.Scan(f.FromSeq) {
			if err != nil {
				yield(models.AuditEvent{}, err)
				return
			}
			if !f.Match(ev) {
				continue
			}
			if !yield(ev, nil) {
				return
			}
			n++
			if f.Limit > 0 && n >= f.Limit {
				return
			}
		}
	}
}

// Collect drains a query into a slice.
func (t *Trail) Collect(f Filter) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	for ev, err := range t.Query(f) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe registers a live listener. Slow listeners miss events rather
// than block Append; they can catch up with Query.
func (t *Trail) Subscribe(buffer int) (<-chan models.AuditEvent, func()) {
	ch := make(chan models.AuditEvent, buffer)
	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
			close(ch)
		})
	}
}

func (t *Trail) publish(ev models.AuditEvent) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes the underlying store.
func (t *Trail) Close() error {
	return t.store.Close()
}

// Filter selects events for Query. Zero values match everything.
type Filter struct {
	Kinds   []string
	RefID   string
	FromSeq uint64
	Since   time.Time
	Until   time.Time
	Search  string // case-insensitive match on kind, ref id and detail values
	Limit   int
}

// Match reports whether ev passes the filter (FromSeq and Limit are applied by Query).
func (f Filter) Match(ev models.AuditEvent) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RefID != "" && f.RefID != ev.RefID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if strings.Contains(ev.Kind, q) || strings.Contains(strings.ToLower(ev.RefID), q) {
			return true
		}
		for _, v := range ev.Detail {
			if strings.Contains(strings.ToLower(v), q) {
				return true
			}
		}
		return false
	}
	return true
}
