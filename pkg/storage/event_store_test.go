package storage

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	tokA  = common.HexToAddress("0xaaaa")
	tokB  = common.HexToAddress("0xbbbb")
)

func openStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := OpenEventStore(filepath.Join(t.TempDir(), "events"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvents() []core.Event {
	order := &core.OrderEvent{ID: 1, User: alice, TokenGet: tokB, AmountGet: uint256.NewInt(10),
		TokenGive: tokA, AmountGive: uint256.NewInt(5), Timestamp: 100}
	return []core.Event{
		{Seq: 1, Kind: core.EventDeposit, Transfer: &core.TransferEvent{Token: tokA, User: alice, Amount: uint256.NewInt(5), Balance: uint256.NewInt(5)}},
		{Seq: 2, Kind: core.EventDeposit, Transfer: &core.TransferEvent{Token: tokB, User: bob, Amount: uint256.NewInt(20), Balance: uint256.NewInt(20)}},
		{Seq: 3, Kind: core.EventOrder, Order: order},
		{Seq: 4, Kind: core.EventTrade, Trade: &core.TradeEvent{ID: 1, User: bob, TokenGet: tokB, AmountGet: uint256.NewInt(10),
			TokenGive: tokA, AmountGive: uint256.NewInt(5), Creator: alice, Timestamp: 101}},
	}
}

func TestSaveAndLoadEvents(t *testing.T) {
	s := openStore(t)
	last, err := s.LastSeq()
	require.NoError(t, err)
	assert.Zero(t, last)

	for _, ev := range sampleEvents() {
		require.NoError(t, s.SaveEvent(ev))
	}

	last, err = s.LastSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	all, err := s.LoadEvents(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, core.EventDeposit, all[0].Kind)
	assert.Equal(t, uint64(5), all[0].Transfer.Amount.Uint64())
	assert.Equal(t, alice, all[3].Trade.Creator)

	page, err := s.LoadEvents(1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].Seq)
	assert.Equal(t, uint64(3), page[1].Seq)
}

func TestIndexes(t *testing.T) {
	s := openStore(t)
	for _, ev := range sampleEvents() {
		require.NoError(t, s.SaveEvent(ev))
	}

	trades, err := s.LoadTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(4), trades[0].Seq)

	aliceEvents, err := s.LoadUserEvents(alice, 0)
	require.NoError(t, err)
	require.Len(t, aliceEvents, 3)
	assert.Equal(t, uint64(4), aliceEvents[0].Seq, "newest first")
	assert.Equal(t, uint64(1), aliceEvents[2].Seq)

	bobEvents, err := s.LoadUserEvents(bob, 1)
	require.NoError(t, err)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, core.EventTrade, bobEvents[0].Kind)

	history, err := s.LoadOrderEvents(1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.EventOrder, history[0].Kind)
	assert.Equal(t, core.EventTrade, history[1].Kind)
}

func TestSaveEventRequiresSeq(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.SaveEvent(core.Event{Kind: core.EventDeposit}))
}

func TestReset(t *testing.T) {
	s := openStore(t)
	for _, ev := range sampleEvents() {
		require.NoError(t, s.SaveEvent(ev))
	}
	require.NoError(t, s.Reset())

	last, err := s.LastSeq()
	require.NoError(t, err)
	assert.Zero(t, last)
	trades, err := s.LoadTrades(10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestReopenKeepsEvents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	s, err := OpenEventStore(dir)
	require.NoError(t, err)
	for _, ev := range sampleEvents() {
		require.NoError(t, s.SaveEvent(ev))
	}
	require.NoError(t, s.Close())

	s, err = OpenEventStore(dir)
	require.NoError(t, err)
	defer s.Close()
	ev, found, err := s.LoadEvent(3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), ev.Order.ID)
}
