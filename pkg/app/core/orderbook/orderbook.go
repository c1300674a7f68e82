// Package orderbook stores exchange orders keyed by a strictly increasing id.
//
// Orders are never deleted: cancelled and filled orders stay queryable.
// An OrderBook is not safe for concurrent use; the exchange engine owns it.
package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tidwall/btree"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

type OrderBook struct {
	orders []*core.Order // orders[id-1]

	// Open order ids, ascending
	open *btree.BTreeG[uint64]

	byCreator map[common.Address][]uint64
}

func New() *OrderBook {
	return &OrderBook{
		open:      btree.NewBTreeG(func(a, b uint64) bool { return a < b }),
		byCreator: make(map[common.Address][]uint64),
	}
}

// Count is the number of orders ever created, which is also the last id.
func (ob *OrderBook) Count() uint64 { return uint64(len(ob.orders)) }

// Create stores a new Open order under the next id and returns a copy.
func (ob *OrderBook) Create(creator, assetWanted common.Address, amountWanted *uint256.Int,
	assetOffered common.Address, amountOffered *uint256.Int, createdAt int64) core.Order {
	o := &core.Order{
		ID:            ob.Count() + 1,
		Creator:       creator,
		AssetWanted:   assetWanted,
		AmountWanted:  new(uint256.Int).Set(amountWanted),
		AssetOffered:  assetOffered,
		AmountOffered: new(uint256.Int).Set(amountOffered),
		CreatedAt:     createdAt,
		Status:        core.StatusOpen,
	}
	ob.orders = append(ob.orders, o)
	ob.open.Set(o.ID)
	ob.byCreator[creator] = append(ob.byCreator[creator], o.ID)
	return o.Clone()
}

func (ob *OrderBook) lookup(id uint64) (*core.Order, error) {
	if id == 0 || id > ob.Count() {
		return nil, fmt.Errorf("%w: id %d", core.ErrNotFound, id)
	}
	return ob.orders[id-1], nil
}

func (ob *OrderBook) Get(id uint64) (core.Order, error) {
	o, err := ob.lookup(id)
	if err != nil {
		return core.Order{}, err
	}
	return o.Clone(), nil
}

// Fillable returns the order if it exists and is still Open.
func (ob *OrderBook) Fillable(id uint64) (core.Order, error) {
	o, err := ob.lookup(id)
	if err != nil {
		return core.Order{}, err
	}
	if o.Status.IsFinal() {
		return core.Order{}, fmt.Errorf("%w: order %d is %s", core.ErrAlreadyFinalized, id, o.Status)
	}
	return o.Clone(), nil
}

// Cancel moves an Open order to Cancelled. Only the creator may cancel.
// Checks run in order: existence, ownership, status.
func (ob *OrderBook) Cancel(requester common.Address, id uint64, at int64) (core.Order, error) {
	o, err := ob.lookup(id)
	if err != nil {
		return core.Order{}, err
	}
	if o.Creator != requester {
		return core.Order{}, fmt.Errorf("%w: %s is not the creator of order %d", core.ErrUnauthorized, requester.Hex(), id)
	}
	return ob.finalize(o, core.StatusCancelled, at)
}

// MarkFilled moves an Open order to Filled.
func (ob *OrderBook) MarkFilled(id uint64, at int64) (core.Order, error) {
	o, err := ob.lookup(id)
	if err != nil {
		return core.Order{}, err
	}
	return ob.finalize(o, core.StatusFilled, at)
}

func (ob *OrderBook) finalize(o *core.Order, status core.OrderStatus, at int64) (core.Order, error) {
	if o.Status.IsFinal() {
		return core.Order{}, fmt.Errorf("%w: order %d is %s", core.ErrAlreadyFinalized, o.ID, o.Status)
	}
	o.Status = status
	o.FinalizedAt = at
	ob.open.Delete(o.ID)
	return o.Clone(), nil
}

func (ob *OrderBook) IsCancelled(id uint64) bool {
	o, err := ob.lookup(id)
	return err == nil && o.Status == core.StatusCancelled
}

func (ob *OrderBook) IsFilled(id uint64) bool {
	o, err := ob.lookup(id)
	return err == nil && o.Status == core.StatusFilled
}

func (ob *OrderBook) OpenCount() int { return ob.open.Len() }

// Open returns all open orders in id order
func (ob *OrderBook) Open() []core.Order {
	out := make([]core.Order, 0, ob.open.Len())
	ob.open.Scan(func(id uint64) bool {
		out = append(out, ob.orders[id-1].Clone())
		return true
	})
	return out
}

// ByCreator returns every order of one creator in id order
func (ob *OrderBook) ByCreator(creator common.Address) []core.Order {
	ids := ob.byCreator[creator]
	out := make([]core.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, ob.orders[id-1].Clone())
	}
	return out
}

// All returns every order in id order
func (ob *OrderBook) All() []core.Order {
	out := make([]core.Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		out = append(out, o.Clone())
	}
	return out
}
