package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

var ErrBadSignature = errors.New("signature does not match owner")

// Action names the exchange operation a request authorises. It is also the
// EIP-712 primary type.
type Action string

const (
	ActionApprove  Action = "Approve"
	ActionDeposit  Action = "Deposit"
	ActionWithdraw Action = "Withdraw"
	ActionOrder    Action = "MakeOrder"
	ActionCancel   Action = "CancelOrder"
	ActionFill     Action = "FillOrder"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // the exchange's custody account
}

// DefaultDomain returns the local development domain bound to custody
func DefaultDomain(custody common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "tokenex",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: custody,
	}
}

// Request is a signed instruction from an account holder. Which fields are
// hashed depends on Action.
type Request struct {
	Action Action
	Owner  common.Address
	Nonce  uint64

	// Approve, Deposit, Withdraw
	Token  common.Address
	Amount *uint256.Int

	// MakeOrder
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int

	// CancelOrder, FillOrder
	OrderID uint64
}

var requestTypes = map[Action][]apitypes.Type{
	ActionApprove:  transferFields,
	ActionDeposit:  transferFields,
	ActionWithdraw: transferFields,
	ActionOrder: {
		{Name: "tokenGet", Type: "address"},
		{Name: "amountGet", Type: "uint256"},
		{Name: "tokenGive", Type: "address"},
		{Name: "amountGive", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
	ActionCancel: orderFields,
	ActionFill:   orderFields,
}

var transferFields = []apitypes.Type{
	{Name: "token", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

var orderFields = []apitypes.Type{
	{Name: "orderId", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func (r Request) message() apitypes.TypedDataMessage {
	m := apitypes.TypedDataMessage{
		"nonce": strconv.FormatUint(r.Nonce, 10),
		"owner": r.Owner.Hex(),
	}
	switch r.Action {
	case ActionApprove, ActionDeposit, ActionWithdraw:
		m["token"] = r.Token.Hex()
		m["amount"] = dec(r.Amount)
	case ActionOrder:
		m["tokenGet"] = r.TokenGet.Hex()
		m["amountGet"] = dec(r.AmountGet)
		m["tokenGive"] = r.TokenGive.Hex()
		m["amountGive"] = dec(r.AmountGive)
	case ActionCancel, ActionFill:
		m["orderId"] = strconv.FormatUint(r.OrderID, 10)
	}
	return m
}

// EIP712Signer hashes, signs and verifies exchange requests
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData builds the eth_signTypedData_v4 payload for a request
func (e *EIP712Signer) TypedData(req Request) (apitypes.TypedData, error) {
	fields, ok := requestTypes[req.Action]
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("unknown action %q", req.Action)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			string(req.Action): fields,
		},
		PrimaryType: string(req.Action),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: req.message(),
	}, nil
}

// Hash returns the EIP-712 digest of a request
func (e *EIP712Signer) Hash(req Request) ([]byte, error) {
	typedData, err := e.TypedData(req)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignRequest(signer *Signer, req Request) ([]byte, error) {
	hash, err := e.Hash(req)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverRequestSigner recovers the address that signed a request
func (e *EIP712Signer) RecoverRequestSigner(req Request, signature []byte) (common.Address, error) {
	hash, err := e.Hash(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash request: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyRequest checks that req.Owner signed req
func (e *EIP712Signer) VerifyRequest(req Request, signature []byte) error {
	signer, err := e.RecoverRequestSigner(req, signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if signer != req.Owner {
		return fmt.Errorf("%w: signed by %s, owner %s", ErrBadSignature, signer.Hex(), req.Owner.Hex())
	}
	return nil
}
