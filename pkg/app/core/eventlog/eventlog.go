// Package eventlog is the exchange's append-only, in-memory event log.
package eventlog

import (
	"sync"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

type Log struct {
	mu     sync.RWMutex
	events []core.Event
	subs   map[int]chan core.Event
	nextID int
}

func New() *Log {
	return &Log{subs: make(map[int]chan core.Event)}
}

// Append assigns the next sequence number (starting at 1), stores the event
// and notifies subscribers. A subscriber whose buffer is full misses the
// event and must catch up with Since.
func (l *Log) Append(ev core.Event) core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, ev)

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Since returns events with Seq > from, at most limit of them (0 = no limit).
func (l *Log) Since(from uint64, limit int) []core.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from >= uint64(len(l.events)) {
		return nil
	}
	tail := l.events[from:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]core.Event, len(tail))
	copy(out, tail)
	return out
}

// Subscribe returns a channel receiving every appended event and a cancel
// func that closes it.
func (l *Log) Subscribe(buffer int) (<-chan core.Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan core.Event, buffer)
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
