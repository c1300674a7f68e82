package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingSink) Publish(_ context.Context, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, ev.Seq)
	return nil
}

func (r *recordingSink) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	f := newFixture(t)
	// events logged before the dispatcher starts are backfilled
	f.deposit(t, user1, f.tokA, ether(5))

	rec := &recordingSink{}
	failing := SinkFunc(func(context.Context, core.Event) error { return errors.New("down") })
	d := NewDispatcher(f.engine, nil, failing, rec)
	d.buffer = 1
	d.poll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 0) }()

	for i := 0; i < 20; i++ {
		_, err := f.engine.MakeOrder(user1, f.tokB.Address(), ether(1), f.tokA.Address(), ether(1))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return d.Delivered() == f.engine.EventCount() },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := rec.snapshot()
	require.Len(t, got, 21)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestDispatcherResumesFrom(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, user1, f.tokA, ether(5))
	f.deposit(t, user2, f.tokA, ether(5))

	rec := &recordingSink{}
	d := NewDispatcher(f.engine, nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx, 1) }()

	require.Eventually(t, func() bool { return d.Delivered() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{2}, rec.snapshot())
}
