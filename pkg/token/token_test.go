package token

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	deployer = common.HexToAddress("0xd0")
	receiver = common.HexToAddress("0xe1")
	exchange = common.HexToAddress("0xe2")
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Unit(DefaultDecimals))
}

func newToken(t *testing.T) *Token {
	t.Helper()
	tok, err := New(deployer, "Black Hills Digital Token", "BHDT", DefaultDecimals, 1_000_000)
	require.NoError(t, err)
	return tok
}

func TestDeploymentMintsSupplyToDeployer(t *testing.T) {
	tok := newToken(t)
	assert.Equal(t, "BHDT", tok.Symbol)
	assert.Equal(t, uint8(18), tok.Decimals)
	assert.Equal(t, tokens(1_000_000), tok.TotalSupply())
	assert.Equal(t, tokens(1_000_000), tok.BalanceOf(deployer))
	assert.Equal(t, AddressFor(deployer, "BHDT"), tok.Address())
}

func TestTransfer(t *testing.T) {
	tok := newToken(t)
	require.NoError(t, tok.Transfer(deployer, receiver, tokens(100)))
	assert.Equal(t, tokens(999_900), tok.BalanceOf(deployer))
	assert.Equal(t, tokens(100), tok.BalanceOf(receiver))

	err := tok.Transfer(receiver, deployer, tokens(101))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, tokens(100), tok.BalanceOf(receiver))

	err = tok.Transfer(deployer, common.Address{}, tokens(1))
	assert.ErrorIs(t, err, ErrZeroAddress)
}

func TestApproveAndTransferFrom(t *testing.T) {
	tok := newToken(t)
	require.NoError(t, tok.Approve(deployer, exchange, tokens(100)))
	assert.Equal(t, tokens(100), tok.Allowance(deployer, exchange))

	require.NoError(t, tok.TransferFrom(exchange, deployer, receiver, tokens(40)))
	assert.Equal(t, tokens(60), tok.Allowance(deployer, exchange))
	assert.Equal(t, tokens(40), tok.BalanceOf(receiver))

	err := tok.TransferFrom(exchange, deployer, receiver, tokens(61))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Equal(t, tokens(60), tok.Allowance(deployer, exchange))

	assert.ErrorIs(t, tok.Approve(deployer, common.Address{}, tokens(1)), ErrZeroAddress)
}

func TestTransferFromKeepsAllowanceOnFailedTransfer(t *testing.T) {
	tok := newToken(t)
	require.NoError(t, tok.Approve(receiver, exchange, tokens(10)))
	err := tok.TransferFrom(exchange, receiver, exchange, tokens(5))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, tokens(10), tok.Allowance(receiver, exchange))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	tok := newToken(t)
	require.NoError(t, r.Register(tok))
	assert.Error(t, r.Register(tok))

	got, err := r.Asset(tok.Address())
	require.NoError(t, err)
	assert.Equal(t, tok.Address(), got.Address())

	_, err = r.Asset(common.HexToAddress("0x1234"))
	assert.ErrorIs(t, err, ErrUnknownAsset)

	bySym, err := r.BySymbol("BHDT")
	require.NoError(t, err)
	assert.Same(t, tok, bySym)
	assert.Len(t, r.List(), 1)
}

func TestZeroTransferFromWithoutApproval(t *testing.T) {
	tok := newToken(t)
	require.NotPanics(t, func() {
		require.NoError(t, tok.TransferFrom(exchange, deployer, receiver, new(uint256.Int)))
	})
	assert.True(t, tok.Allowance(deployer, exchange).IsZero())
	assert.True(t, tok.BalanceOf(receiver).IsZero())
}
