package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrStaleNonce = errors.New("stale nonce")

// NonceGuard rejects replayed requests: every accepted nonce of an account
// must be greater than the last one accepted.
type NonceGuard struct {
	mu   sync.Mutex
	last map[common.Address]uint64
}

func NewNonceGuard() *NonceGuard {
	return &NonceGuard{last: make(map[common.Address]uint64)}
}

// Use accepts nonce for owner or returns ErrStaleNonce
func (g *NonceGuard) Use(owner common.Address, nonce uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[owner]; ok && nonce <= last {
		return fmt.Errorf("%w: %d, last accepted %d", ErrStaleNonce, nonce, last)
	}
	g.last[owner] = nonce
	return nil
}

// Last returns the last accepted nonce of owner
func (g *NonceGuard) Last(owner common.Address) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.last[owner]
	return n, ok
}
