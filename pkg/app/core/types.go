package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderStatus is the lifecycle state of an order.
// Open is the only non-terminal state.
type OrderStatus uint8

const (
	StatusOpen OrderStatus = iota
	StatusCancelled
	StatusFilled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsFinal reports whether no further transition is possible
func (s OrderStatus) IsFinal() bool {
	return s == StatusCancelled || s == StatusFilled
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StatusOpen
	case "cancelled":
		*s = StatusCancelled
	case "filled":
		*s = StatusFilled
	default:
		return fmt.Errorf("unknown order status %q", b)
	}
	return nil
}

// Order is a standing offer: the creator gives AmountOffered of AssetOffered
// in exchange for AmountWanted of AssetWanted.
type Order struct {
	ID            uint64         `json:"id"`
	Creator       common.Address `json:"user"`
	AssetWanted   common.Address `json:"tokenGet"`
	AmountWanted  *uint256.Int   `json:"amountGet"`
	AssetOffered  common.Address `json:"tokenGive"`
	AmountOffered *uint256.Int   `json:"amountGive"`
	CreatedAt     int64          `json:"timestamp"` // unix seconds
	Status        OrderStatus    `json:"status"`
	FinalizedAt   int64          `json:"finalizedAt,omitempty"`
}

// Clone returns a deep copy so callers never alias book state.
func (o Order) Clone() Order {
	out := o
	if o.AmountWanted != nil {
		out.AmountWanted = new(uint256.Int).Set(o.AmountWanted)
	}
	if o.AmountOffered != nil {
		out.AmountOffered = new(uint256.Int).Set(o.AmountOffered)
	}
	return out
}

func (o Order) IsOpen() bool { return o.Status == StatusOpen }

// Balance is one non-zero custodial ledger entry.
type Balance struct {
	Asset   common.Address `json:"token"`
	Account common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
}
