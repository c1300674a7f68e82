package token

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps asset addresses to the tokens deployed on this node
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]*Token
	bySymbol map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr:   make(map[common.Address]*Token),
		bySymbol: make(map[string]*Token),
	}
}

func (r *Registry) Register(t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddr[t.Address()]; exists {
		return fmt.Errorf("token %s already registered at %s", t.Symbol, t.Address().Hex())
	}
	if _, exists := r.bySymbol[t.Symbol]; exists {
		return fmt.Errorf("token symbol %s already registered", t.Symbol)
	}
	r.byAddr[t.Address()] = t
	r.bySymbol[t.Symbol] = t
	return nil
}

// Asset resolves an asset address; it satisfies exchange.AssetResolver.
func (r *Registry) Asset(addr common.Address) (Asset, error) {
	t, err := r.Token(addr)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) Token(addr common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	return t, nil
}

func (r *Registry) BySymbol(symbol string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return t, nil
}

// List returns all tokens sorted by symbol
func (r *Registry) List() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.byAddr))
	for _, t := range r.byAddr {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
