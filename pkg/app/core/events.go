package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type EventKind string

const (
	EventDeposit  EventKind = "Deposit"
	EventWithdraw EventKind = "Withdraw"
	EventOrder    EventKind = "Order"
	EventCancel   EventKind = "Cancel"
	EventTrade    EventKind = "Trade"
)

// TransferEvent is the payload of Deposit and Withdraw.
type TransferEvent struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

// OrderEvent is the payload of Order and Cancel.
type OrderEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

// TradeEvent is the payload of Trade. User is the filler.
type TradeEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Creator    common.Address `json:"creator"`
	Timestamp  int64          `json:"timestamp"`
}

// Event is one entry of the exchange's append-only log. Exactly one of the
// payload pointers is set, selected by Kind.
type Event struct {
	Seq      uint64         `json:"seq"`
	Kind     EventKind      `json:"event"`
	Transfer *TransferEvent `json:"transfer,omitempty"`
	Order    *OrderEvent    `json:"order,omitempty"`
	Trade    *TradeEvent    `json:"trade,omitempty"`
}

// NewOrderEvent builds the Order/Cancel payload from an order. ts is the
// creation time for Order and the cancellation time for Cancel.
func NewOrderEvent(o Order, ts int64) *OrderEvent {
	o = o.Clone()
	return &OrderEvent{
		ID:         o.ID,
		User:       o.Creator,
		TokenGet:   o.AssetWanted,
		AmountGet:  o.AmountWanted,
		TokenGive:  o.AssetOffered,
		AmountGive: o.AmountOffered,
		Timestamp:  ts,
	}
}

// Users lists every account the event touches, without duplicates.
func (e Event) Users() []common.Address {
	var users []common.Address
	switch {
	case e.Transfer != nil:
		users = append(users, e.Transfer.User)
	case e.Order != nil:
		users = append(users, e.Order.User)
	case e.Trade != nil:
		users = append(users, e.Trade.User)
		if e.Trade.Creator != e.Trade.User {
			users = append(users, e.Trade.Creator)
		}
	}
	return users
}

// OrderID returns the order the event refers to, 0 for transfers.
func (e Event) OrderID() uint64 {
	switch {
	case e.Order != nil:
		return e.Order.ID
	case e.Trade != nil:
		return e.Trade.ID
	}
	return 0
}

// Token returns the asset of a transfer event, the zero address otherwise.
func (e Event) Token() common.Address {
	if e.Transfer != nil {
		return e.Transfer.Token
	}
	return common.Address{}
}
