package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"

	"github.com/xtrntr/fairlaunch/internal/models"
)

const (
	keyPrefix = "audit/"
	keyUpper  = "audit/~"
)

// PebbleStore is the durable event store. Every Put is synced before the
// event counts as appended.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a store in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Put(ev models.AuditEvent) error {
	val, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event %d: %w", ev.Seq, err)
	}
	return s.db.Set(keyFor(ev.Seq), val, pebble.Sync)
}

func (s *PebbleStore) LastSeq() (uint64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	if !it.Last() {
		return 0, it.Error()
	}
	return parseKey(it.Key())
}

func (s *PebbleStore) Scan(from uint64) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		snap := s.db.NewSnapshot()
		defer snap.Close()

		it, err := snap.NewIter(&pebble.IterOptions{
			LowerBound: keyFor(from),
			UpperBound: []byte(keyUpper),
		})
		if err != nil {
			yield(models.AuditEvent{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			var ev models.AuditEvent
			if err := json.Unmarshal(it.Value(), &ev); err != nil {
				yield(models.AuditEvent{}, fmt.Errorf("failed to decode audit event %q: %w", it.Key(), err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(models.AuditEvent{}, err)
		}
	}
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq)
	return seq, err
}
