package api

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/crypto"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// ExchangeInfo describes the exchange's fixed parameters and current size
type ExchangeInfo struct {
	Custody     string `json:"custody"`
	FeeAccount  string `json:"feeAccount"`
	FeePercent  uint64 `json:"feePercent"`
	OrderCount  uint64 `json:"orderCount"`
	EventCount  uint64 `json:"eventCount"`
	StateDigest string `json:"stateDigest"` // 0x-prefixed Keccak256
}

// TokenInfo describes a token deployed on this node
type TokenInfo struct {
	Address     string       `json:"address"`
	Name        string       `json:"name"`
	Symbol      string       `json:"symbol"`
	Decimals    uint8        `json:"decimals"`
	TotalSupply *uint256.Int `json:"totalSupply"`
	Deposited   *uint256.Int `json:"deposited"` // sum of custodial balances
}

// WalletInfo is an account's balance in the token itself, outside the exchange
type WalletInfo struct {
	Token     string       `json:"token"`
	Account   string       `json:"account"`
	Balance   *uint256.Int `json:"balance"`
	Allowance *uint256.Int `json:"allowance"` // granted to the custody account
}

// BalanceInfo is one custodial balance
type BalanceInfo struct {
	Token   string       `json:"token"`
	Account string       `json:"account"`
	Balance *uint256.Int `json:"balance"`
}

// ActionResponse is returned by every signed POST endpoint
type ActionResponse struct {
	Status    string       `json:"status"` // "ok"
	Event     *core.Event  `json:"event,omitempty"`
	Order     *core.Order  `json:"order,omitempty"`
	Allowance *uint256.Int `json:"allowance,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// SignedRequest is the body of every POST endpoint. The signature is an
// EIP-712 signature by Owner over the action's typed data; order ids come
// from the URL.
type SignedRequest struct {
	Owner     string `json:"owner"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`

	// approve, deposit, withdraw
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount,omitempty"` // decimal, smallest unit

	// make order
	TokenGet   string `json:"tokenGet,omitempty"`
	AmountGet  string `json:"amountGet,omitempty"`
	TokenGive  string `json:"tokenGive,omitempty"`
	AmountGive string `json:"amountGive,omitempty"`
}

// NewSignedRequest renders a crypto.Request and its signature as a body
func NewSignedRequest(req crypto.Request, sig []byte) SignedRequest {
	out := SignedRequest{
		Owner:     req.Owner.Hex(),
		Nonce:     req.Nonce,
		Signature: crypto.EncodeSignature(sig),
	}
	switch req.Action {
	case crypto.ActionApprove, crypto.ActionDeposit, crypto.ActionWithdraw:
		out.Token = req.Token.Hex()
		out.Amount = req.Amount.Dec()
	case crypto.ActionOrder:
		out.TokenGet = req.TokenGet.Hex()
		out.AmountGet = req.AmountGet.Dec()
		out.TokenGive = req.TokenGive.Hex()
		out.AmountGive = req.AmountGive.Dec()
	}
	return out
}

// errBadRequest marks malformed input
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, badRequest("%s: invalid amount %q", field, s)
	}
	return v, nil
}

// toRequest converts the body into the typed request that was signed
func (b SignedRequest) toRequest(action crypto.Action, orderID uint64) (crypto.Request, error) {
	owner, err := parseAddress("owner", b.Owner)
	if err != nil {
		return crypto.Request{}, err
	}
	req := crypto.Request{Action: action, Owner: owner, Nonce: b.Nonce, OrderID: orderID}

	switch action {
	case crypto.ActionApprove, crypto.ActionDeposit, crypto.ActionWithdraw:
		if req.Token, err = parseAddress("token", b.Token); err != nil {
			return req, err
		}
		if req.Amount, err = parseAmount("amount", b.Amount); err != nil {
			return req, err
		}
	case crypto.ActionOrder:
		if req.TokenGet, err = parseAddress("tokenGet", b.TokenGet); err != nil {
			return req, err
		}
		if req.AmountGet, err = parseAmount("amountGet", b.AmountGet); err != nil {
			return req, err
		}
		if req.TokenGive, err = parseAddress("tokenGive", b.TokenGive); err != nil {
			return req, err
		}
		if req.AmountGive, err = parseAmount("amountGive", b.AmountGive); err != nil {
			return req, err
		}
	}
	return req, nil
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "event", "subscribed", "unsubscribed"
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "trades", "account:0x..."]
}
