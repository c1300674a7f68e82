package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/app/exchange"
	"github.com/uhyunpark/tokenex/pkg/crypto"
	"github.com/uhyunpark/tokenex/pkg/storage"
	"github.com/uhyunpark/tokenex/pkg/token"
)

var (
	deployer   = common.HexToAddress("0xd0")
	custody    = common.HexToAddress("0xc0")
	feeAccount = common.HexToAddress("0xfe")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), token.Unit(token.DefaultDecimals))
}

type harness struct {
	t      *testing.T
	engine *exchange.Engine
	server *Server
	srv    *httptest.Server
	tokA   *token.Token
	tokB   *token.Token
	alice  *crypto.Signer
	bob    *crypto.Signer
	nonces map[common.Address]uint64
}

func newHarness(t *testing.T, store *storage.EventStore) *harness {
	t.Helper()
	reg := token.NewRegistry()
	tokA, err := token.New(deployer, "Token A", "A", token.DefaultDecimals, 1_000_000)
	require.NoError(t, err)
	tokB, err := token.New(deployer, "Token B", "B", token.DefaultDecimals, 1_000_000)
	require.NoError(t, err)
	require.NoError(t, reg.Register(tokA))
	require.NoError(t, reg.Register(tokB))

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	bob, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, s := range []*crypto.Signer{alice, bob} {
		require.NoError(t, tokA.Transfer(deployer, s.Address(), ether(100)))
		require.NoError(t, tokB.Transfer(deployer, s.Address(), ether(100)))
	}

	registry := prometheus.NewRegistry()
	// handlers and ws pumps may log after the test returns
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	engine, err := exchange.New(
		exchange.Config{Custody: custody, FeeAccount: feeAccount, FeePercent: 10},
		reg,
		exchange.WithLogger(logger),
		exchange.WithMetrics(exchange.NewMetrics(registry)),
	)
	require.NoError(t, err)

	server := NewServer(Config{Metrics: registry}, engine, reg, store, logger)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &harness{
		t: t, engine: engine, server: server, srv: srv,
		tokA: tokA, tokB: tokB, alice: alice, bob: bob,
		nonces: make(map[common.Address]uint64),
	}
}

// sign fills in owner and the next nonce, then signs req as s
func (h *harness) sign(s *crypto.Signer, req crypto.Request) SignedRequest {
	h.t.Helper()
	h.nonces[s.Address()]++
	req.Owner = s.Address()
	req.Nonce = h.nonces[s.Address()]
	sig, err := crypto.NewEIP712Signer(h.server.Domain()).SignRequest(s, req)
	require.NoError(h.t, err)
	return NewSignedRequest(req, sig)
}

func (h *harness) post(path string, body any) (int, []byte) {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, buf.Bytes()
}

func (h *harness) get(path string, out any) int {
	h.t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) mustPost(path string, body any) ActionResponse {
	h.t.Helper()
	status, raw := h.post(path, body)
	require.Less(h.t, status, 300, string(raw))
	var out ActionResponse
	require.NoError(h.t, json.Unmarshal(raw, &out))
	return out
}

func (h *harness) approveAndDeposit(s *crypto.Signer, tok *token.Token, amount *uint256.Int) {
	h.t.Helper()
	h.mustPost("/api/v1/approve", h.sign(s, crypto.Request{Action: crypto.ActionApprove, Token: tok.Address(), Amount: amount}))
	h.mustPost("/api/v1/deposit", h.sign(s, crypto.Request{Action: crypto.ActionDeposit, Token: tok.Address(), Amount: amount}))
}

func (h *harness) makeOrder(s *crypto.Signer, amountGet *uint256.Int, amountGive *uint256.Int) uint64 {
	h.t.Helper()
	out := h.mustPost("/api/v1/orders", h.sign(s, crypto.Request{
		Action:   crypto.ActionOrder,
		TokenGet: h.tokB.Address(), AmountGet: amountGet,
		TokenGive: h.tokA.Address(), AmountGive: amountGive,
	}))
	require.NotNil(h.t, out.Order)
	return out.Order.ID
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &e), string(raw))
	return e.Error
}

func TestSignedTradingFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.approveAndDeposit(h.alice, h.tokA, ether(10))
	h.approveAndDeposit(h.bob, h.tokB, ether(10))

	id := h.makeOrder(h.alice, ether(2), ether(1))
	assert.Equal(t, uint64(1), id)

	fill := h.mustPost(fmt.Sprintf("/api/v1/orders/%d/fill", id),
		h.sign(h.bob, crypto.Request{Action: crypto.ActionFill, OrderID: id}))
	require.NotNil(t, fill.Event)
	require.Equal(t, core.EventTrade, fill.Event.Kind)
	assert.Equal(t, h.bob.Address(), fill.Event.Trade.User)

	var bal BalanceInfo
	require.Equal(t, http.StatusOK, h.get(fmt.Sprintf("/api/v1/balances/%s/%s", h.bob.Address().Hex(), h.tokB.Address().Hex()), &bal))
	// 10 - 2 - 10% fee
	want, _ := uint256.FromDecimal("7800000000000000000")
	assert.Equal(t, want, bal.Balance)

	var order core.Order
	require.Equal(t, http.StatusOK, h.get(fmt.Sprintf("/api/v1/orders/%d", id), &order))
	assert.Equal(t, core.StatusFilled, order.Status)

	var trades []core.Event
	require.Equal(t, http.StatusOK, h.get("/api/v1/trades", &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, id, trades[0].Trade.ID)

	var open []core.Order
	require.Equal(t, http.StatusOK, h.get("/api/v1/orders", &open))
	assert.Empty(t, open)

	var info ExchangeInfo
	require.Equal(t, http.StatusOK, h.get("/api/v1/exchange", &info))
	assert.Equal(t, uint64(1), info.OrderCount)
	assert.Equal(t, uint64(4), info.EventCount)
	assert.Equal(t, h.engine.StateDigest().Hex(), info.StateDigest)
}

func TestWithdrawThroughAPI(t *testing.T) {
	h := newHarness(t, nil)
	h.approveAndDeposit(h.alice, h.tokA, ether(5))

	out := h.mustPost("/api/v1/withdraw", h.sign(h.alice, crypto.Request{
		Action: crypto.ActionWithdraw, Token: h.tokA.Address(), Amount: ether(2),
	}))
	require.NotNil(t, out.Event)
	assert.Equal(t, core.EventWithdraw, out.Event.Kind)

	var wallet WalletInfo
	require.Equal(t, http.StatusOK, h.get(fmt.Sprintf("/api/v1/tokens/%s/wallets/%s", h.tokA.Address().Hex(), h.alice.Address().Hex()), &wallet))
	assert.Equal(t, ether(97), wallet.Balance)
}

func TestSignatureMustMatchOwner(t *testing.T) {
	h := newHarness(t, nil)
	body := h.sign(h.bob, crypto.Request{Action: crypto.ActionDeposit, Token: h.tokA.Address(), Amount: ether(1)})
	body.Owner = h.alice.Address().Hex()

	status, raw := h.post("/api/v1/deposit", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "bad_signature", errorCode(t, raw))
}

func TestReplayedRequestIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	body := h.sign(h.alice, crypto.Request{Action: crypto.ActionApprove, Token: h.tokA.Address(), Amount: ether(1)})

	status, _ := h.post("/api/v1/approve", body)
	require.Equal(t, http.StatusOK, status)

	status, raw := h.post("/api/v1/approve", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "stale_nonce", errorCode(t, raw))

	var nonce map[string]uint64
	require.Equal(t, http.StatusOK, h.get("/api/v1/accounts/"+h.alice.Address().Hex()+"/nonce", &nonce))
	assert.Equal(t, uint64(1), nonce["lastNonce"])
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	h.approveAndDeposit(h.alice, h.tokA, ether(10))
	id := h.makeOrder(h.alice, ether(2), ether(1))

	tests := []struct {
		name   string
		path   string
		body   func() any
		status int
		code   string
	}{
		{
			name:   "deposit without allowance",
			path:   "/api/v1/deposit",
			body:   func() any { return h.sign(h.bob, crypto.Request{Action: crypto.ActionDeposit, Token: h.tokA.Address(), Amount: ether(1)}) },
			status: http.StatusUnprocessableEntity,
			code:   "transfer_failed",
		},
		{
			name:   "withdraw more than deposited",
			path:   "/api/v1/withdraw",
			body:   func() any { return h.sign(h.alice, crypto.Request{Action: crypto.ActionWithdraw, Token: h.tokA.Address(), Amount: ether(11)}) },
			status: http.StatusUnprocessableEntity,
			code:   "insufficient_balance",
		},
		{
			name:   "cancel by someone else",
			path:   fmt.Sprintf("/api/v1/orders/%d/cancel", id),
			body:   func() any { return h.sign(h.bob, crypto.Request{Action: crypto.ActionCancel, OrderID: id}) },
			status: http.StatusForbidden,
			code:   "unauthorized",
		},
		{
			name:   "cancel unknown order",
			path:   "/api/v1/orders/99/cancel",
			body:   func() any { return h.sign(h.alice, crypto.Request{Action: crypto.ActionCancel, OrderID: 99}) },
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name:   "fill without balance",
			path:   fmt.Sprintf("/api/v1/orders/%d/fill", id),
			body:   func() any { return h.sign(h.bob, crypto.Request{Action: crypto.ActionFill, OrderID: id}) },
			status: http.StatusUnprocessableEntity,
			code:   "insufficient_balance",
		},
		{
			name:   "zero amount",
			path:   "/api/v1/withdraw",
			body:   func() any { return h.sign(h.alice, crypto.Request{Action: crypto.ActionWithdraw, Token: h.tokA.Address(), Amount: uint256.NewInt(0)}) },
			status: http.StatusBadRequest,
			code:   "invalid_amount",
		},
		{
			name: "malformed amount",
			path: "/api/v1/withdraw",
			body: func() any {
				b := h.sign(h.alice, crypto.Request{Action: crypto.ActionWithdraw, Token: h.tokA.Address(), Amount: ether(1)})
				b.Amount = "1e18"
				return b
			},
			status: http.StatusBadRequest,
			code:   "bad_request",
		},
		{
			name:   "approve unknown token",
			path:   "/api/v1/approve",
			body:   func() any { return h.sign(h.alice, crypto.Request{Action: crypto.ActionApprove, Token: common.HexToAddress("0xbad"), Amount: ether(1)}) },
			status: http.StatusNotFound,
			code:   "unknown_token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := h.post(tt.path, tt.body())
			assert.Equal(t, tt.status, status, string(raw))
			assert.Equal(t, tt.code, errorCode(t, raw))
		})
	}

	// a cancelled order cannot be filled
	h.mustPost(fmt.Sprintf("/api/v1/orders/%d/cancel", id), h.sign(h.alice, crypto.Request{Action: crypto.ActionCancel, OrderID: id}))
	status, raw := h.post(fmt.Sprintf("/api/v1/orders/%d/fill", id), h.sign(h.alice, crypto.Request{Action: crypto.ActionFill, OrderID: id}))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_finalized", errorCode(t, raw))

	assert.Equal(t, http.StatusNotFound, h.get("/api/v1/orders/42", nil))
	assert.Equal(t, http.StatusBadRequest, h.get("/api/v1/balances/nope", nil))
}

func TestHistoryFromEventStore(t *testing.T) {
	store, err := storage.OpenEventStore(filepath.Join(t.TempDir(), "events"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := newHarness(t, store)
	h.approveAndDeposit(h.alice, h.tokA, ether(10))
	h.approveAndDeposit(h.bob, h.tokB, ether(10))
	id := h.makeOrder(h.alice, ether(2), ether(1))
	h.mustPost(fmt.Sprintf("/api/v1/orders/%d/fill", id), h.sign(h.bob, crypto.Request{Action: crypto.ActionFill, OrderID: id}))

	for _, ev := range h.engine.Events(0, 0) {
		require.NoError(t, store.Publish(context.Background(), ev))
	}

	var events []core.Event
	require.Equal(t, http.StatusOK, h.get("/api/v1/events?from=2&limit=2", &events))
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)

	var mine []core.Event
	require.Equal(t, http.StatusOK, h.get("/api/v1/accounts/"+h.alice.Address().Hex()+"/events", &mine))
	require.Len(t, mine, 3)
	assert.Equal(t, core.EventTrade, mine[0].Kind)

	var history []core.Event
	require.Equal(t, http.StatusOK, h.get(fmt.Sprintf("/api/v1/orders/%d/history", id), &history))
	require.Len(t, history, 2)
	assert.Equal(t, core.EventOrder, history[0].Kind)
	assert.Equal(t, core.EventTrade, history[1].Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.approveAndDeposit(h.alice, h.tokA, ether(1))

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "events_total")
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.server.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	account := strings.ToLower(h.bob.Address().Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelTrades, "account:" + account}}))

	read := func() WSMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	ack := read()
	require.Equal(t, "subscribed", ack.Type)
	assert.ElementsMatch(t, []any{ChannelTrades, AccountChannel(h.bob.Address())}, ack.Data)

	h.approveAndDeposit(h.alice, h.tokA, ether(10))
	h.approveAndDeposit(h.bob, h.tokB, ether(10))
	id := h.makeOrder(h.alice, ether(2), ether(1))
	fill := h.mustPost(fmt.Sprintf("/api/v1/orders/%d/fill", id), h.sign(h.bob, crypto.Request{Action: crypto.ActionFill, OrderID: id}))
	require.NoError(t, h.server.Hub().Publish(ctx, *fill.Event))

	got := map[string]bool{}
	for range 2 {
		msg := read()
		assert.Equal(t, "event", msg.Type)
		got[msg.Channel] = true
	}
	assert.True(t, got[ChannelTrades])
	assert.True(t, got[AccountChannel(h.bob.Address())])
}
