package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

// EventStore indexes exchange events in Pebble for history queries.
// It is written by a single dispatcher goroutine; reads may run concurrently.
type EventStore struct {
	db *pebble.DB
}

// OpenEventStore opens a Pebble database at the given path
func OpenEventStore(dbPath string) (*EventStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error {
	return s.db.Close()
}

// SaveEvent writes the event and its index entries atomically
func (s *EventStore) SaveEvent(ev core.Event) error {
	if ev.Seq == 0 {
		return fmt.Errorf("event has no sequence number")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	seq := encodeSeq(ev.Seq)
	if err := b.Set(eventKey(ev.Seq), data, nil); err != nil {
		return err
	}
	for _, u := range ev.Users() {
		if err := b.Set(userKey(u, ev.Seq), seq, nil); err != nil {
			return err
		}
	}
	if id := ev.OrderID(); id != 0 {
		if err := b.Set(orderKey(id, ev.Seq), seq, nil); err != nil {
			return err
		}
	}
	if ev.Kind == core.EventTrade {
		if err := b.Set(tradeKey(ev.Seq), seq, nil); err != nil {
			return err
		}
	}

	// NoSync: the engine log is the source of truth, the index can be rebuilt
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save event %d: %w", ev.Seq, err)
	}
	return nil
}

// Publish implements exchange.Sink
func (s *EventStore) Publish(_ context.Context, ev core.Event) error {
	return s.SaveEvent(ev)
}

// LoadEvent loads one event by sequence number
func (s *EventStore) LoadEvent(seq uint64) (core.Event, bool, error) {
	data, closer, err := s.db.Get(eventKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return core.Event{}, false, nil
	}
	if err != nil {
		return core.Event{}, false, fmt.Errorf("failed to get event %d: %w", seq, err)
	}
	defer closer.Close()

	var ev core.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return core.Event{}, false, fmt.Errorf("failed to unmarshal event %d: %w", seq, err)
	}
	return ev, true, nil
}

// LoadEvents returns events with Seq > from in order, at most limit (0 = all)
func (s *EventStore) LoadEvents(from uint64, limit int) ([]core.Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from + 1),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []core.Event
	for iter.First(); iter.Valid() && (limit <= 0 || len(events) < limit); iter.Next() {
		var ev core.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event at %s: %w", iter.Key(), err)
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// LastSeq returns the highest stored sequence number, 0 when empty
func (s *EventStore) LastSeq() (uint64, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, err := strconv.ParseUint(string(iter.Key()[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad event key %q: %w", iter.Key(), err)
	}
	return seq, nil
}

// LoadTrades returns the most recent trades, newest first
func (s *EventStore) LoadTrades(limit int) ([]core.Event, error) {
	return s.scanIndex([]byte(prefixTrade), limit, true)
}

// LoadUserEvents returns the most recent events touching addr, newest first
func (s *EventStore) LoadUserEvents(addr common.Address, limit int) ([]core.Event, error) {
	return s.scanIndex(userPrefix(addr), limit, true)
}

// LoadOrderEvents returns the history of one order, oldest first
func (s *EventStore) LoadOrderEvents(id uint64) ([]core.Event, error) {
	return s.scanIndex(orderPrefix(id), 0, false)
}

func (s *EventStore) scanIndex(prefix []byte, limit int, newestFirst bool) ([]core.Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	first, next := iter.First, iter.Next
	if newestFirst {
		first, next = iter.Last, iter.Prev
	}

	var events []core.Event
	for ok := first(); ok && (limit <= 0 || len(events) < limit); ok = next() {
		seq, err := decodeSeq(iter.Value())
		if err != nil {
			return nil, err
		}
		ev, found, err := s.LoadEvent(seq)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// Reset removes every indexed event. The node calls it at start because the
// engine's in-memory log always begins at sequence 1.
func (s *EventStore) Reset() error {
	for _, p := range []string{prefixEvent, prefixOrder, prefixTrade, prefixUser} {
		prefix := []byte(p)
		if err := s.db.DeleteRange(prefix, keyUpperBound(prefix), pebble.Sync); err != nil {
			return fmt.Errorf("failed to reset %s: %w", p, err)
		}
	}
	return nil
}
