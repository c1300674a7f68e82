package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const DefaultDecimals = 18

// Token is an in-memory ERC20 token
type Token struct {
	address  common.Address
	Name     string
	Symbol   string
	Decimals uint8

	mu          sync.RWMutex
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
}

// AddressFor derives a token address from its deployer and symbol
func AddressFor(deployer common.Address, symbol string) common.Address {
	return common.BytesToAddress(crypto.Keccak256(deployer.Bytes(), []byte(symbol)))
}

// Unit returns 10^decimals, the smallest-unit size of one whole token
func Unit(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// New mints supply whole tokens (scaled by 10^decimals) to the deployer.
func New(deployer common.Address, name, symbol string, decimals uint8, supply uint64) (*Token, error) {
	if deployer == (common.Address{}) {
		return nil, fmt.Errorf("mint %s: %w", symbol, ErrZeroAddress)
	}
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(supply), Unit(decimals))
	if overflow {
		return nil, fmt.Errorf("mint %s: supply overflows 256 bits", symbol)
	}
	t := &Token{
		address:     AddressFor(deployer, symbol),
		Name:        name,
		Symbol:      symbol,
		Decimals:    decimals,
		totalSupply: total,
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
	t.balances[deployer] = new(uint256.Int).Set(total)
	return t, nil
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(t.totalSupply)
}

func (t *Token) BalanceOf(owner common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(owner)
}

func (t *Token) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := t.balances[owner]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

func (t *Token) transferLocked(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%s transfer: %w", t.Symbol, ErrZeroAddress)
	}
	fromBal := t.balanceLocked(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s transfer: %w: have %s, need %s", t.Symbol, ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
	}
	// Supply is bounded by totalSupply, so the credit cannot overflow.
	t.balances[from] = fromBal.Sub(fromBal, amount)
	toBal := t.balanceLocked(to)
	t.balances[to] = toBal.Add(toBal, amount)
	return nil
}

func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("%s approve: %w", t.Symbol, ErrZeroAddress)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllowanceLocked(owner, spender, new(uint256.Int).Set(amount))
	return nil
}

func (t *Token) setAllowanceLocked(owner, spender common.Address, amount *uint256.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = m
	}
	m[spender] = amount
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowanceLocked(owner, spender)
}

func (t *Token) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// TransferFrom moves amount from `from` to `to` on behalf of spender and
// reduces the spender's allowance by the same amount.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowanceLocked(from, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%s transferFrom: %w: allowed %s, need %s", t.Symbol, ErrInsufficientAllowance, allowed.Dec(), amount.Dec())
	}
	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}
	if !amount.IsZero() {
		t.setAllowanceLocked(from, spender, allowed.Sub(allowed, amount))
	}
	return nil
}

var _ Asset = (*Token)(nil)
