package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

func TestAppendAssignsGapFreeSeq(t *testing.T) {
	l := New()
	for i := 1; i <= 5; i++ {
		ev := l.Append(core.Event{Kind: core.EventDeposit})
		assert.Equal(t, uint64(i), ev.Seq)
	}
	assert.Equal(t, uint64(5), l.Len())

	tail := l.Since(2, 0)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(3), tail[0].Seq)

	assert.Len(t, l.Since(0, 2), 2)
	assert.Empty(t, l.Since(5, 0))
	assert.Empty(t, l.Since(9, 0))
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe(1)

	l.Append(core.Event{Kind: core.EventOrder})
	l.Append(core.Event{Kind: core.EventCancel})

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)
	select {
	case ev := <-ch:
		t.Fatalf("expected dropped event, got seq %d", ev.Seq)
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// appends after cancel must not panic on the closed channel
	l.Append(core.Event{Kind: core.EventTrade})
}
