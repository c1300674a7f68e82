package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Event store key schema
//
//   evt:<seq>            → Event (JSON)
//   usr:<address>:<seq>  → seq of an event touching address
//   ord:<id>:<seq>       → seq of an event about order id
//   trd:<seq>            → seq of a Trade event
//
// Numbers are zero-padded to 20 digits so keys sort numerically.

const (
	prefixEvent = "evt:"
	prefixUser  = "usr:"
	prefixOrder = "ord:"
	prefixTrade = "trd:"
)

// eventKey returns the key for an event
// Format: "evt:{seq}"
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// userKey returns the per-user index key
// Format: "usr:{address}:{seq}"
func userKey(addr common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixUser, addr.Hex(), seq))
}

// userPrefix returns the prefix for all events of an account
// Format: "usr:{address}:"
func userPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUser, addr.Hex()))
}

// orderKey returns the per-order index key
// Format: "ord:{id}:{seq}"
func orderKey(id, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixOrder, id, seq))
}

// orderPrefix returns the prefix for all events of an order
// Format: "ord:{id}:"
func orderPrefix(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixOrder, id))
}

// tradeKey returns the trade index key
// Format: "trd:{seq}"
func tradeKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTrade, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
