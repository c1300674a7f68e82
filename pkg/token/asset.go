// Package token implements ERC20-style fungible assets held outside the exchange.
package token

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAddress           = errors.New("zero address")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownAsset          = errors.New("unknown asset")
)

// Asset is the surface the exchange needs from a fungible token.
// Every mutating call either succeeds completely or returns an error and
// changes nothing.
type Asset interface {
	Address() common.Address
	BalanceOf(owner common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
	Allowance(owner, spender common.Address) *uint256.Int
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}
