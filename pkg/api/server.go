package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/app/exchange"
	"github.com/uhyunpark/tokenex/pkg/crypto"
	"github.com/uhyunpark/tokenex/pkg/storage"
	"github.com/uhyunpark/tokenex/pkg/token"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 16
)

type Config struct {
	CORSOrigins []string
	// Metrics is served on /metrics when set
	Metrics prometheus.Gatherer
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *exchange.Engine
	tokens *token.Registry
	store  *storage.EventStore // optional history index

	verifier *crypto.EIP712Signer
	nonces   *crypto.NonceGuard

	cfg    Config
	router *mux.Router
	hub    *Hub // WebSocket hub
	logger *zap.SugaredLogger
}

// NewServer creates a new API server. store may be nil, in which case
// history is served from the engine's in-memory event log.
func NewServer(cfg Config, engine *exchange.Engine, tokens *token.Registry, store *storage.EventStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Named("api").Sugar()
	s := &Server{
		engine:   engine,
		tokens:   tokens,
		store:    store,
		verifier: crypto.NewEIP712Signer(crypto.DefaultDomain(engine.Custody())),
		nonces:   crypto.NewNonceGuard(),
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(sugar),
		logger:   sugar,
	}

	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub; attach it to the event dispatcher as a sink
func (s *Server) Hub() *Hub { return s.hub }

// Domain is the EIP-712 domain requests must be signed under
func (s *Server) Domain() crypto.EIP712Domain { return s.verifier.Domain() }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Exchange and token endpoints
	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}/wallets/{account}", s.handleGetWallet).Methods("GET")

	// Balances
	api.HandleFunc("/balances/{account}", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/balances/{account}/{token}", s.handleGetBalance).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/history", s.handleGetOrderHistory).Methods("GET")
	api.HandleFunc("/accounts/{account}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/accounts/{account}/events", s.handleGetAccountEvents).Methods("GET")
	api.HandleFunc("/accounts/{account}/nonce", s.handleGetNonce).Methods("GET")

	// History
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")

	// Signed requests
	api.HandleFunc("/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleFillOrder).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.cfg.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves HTTP on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	// Start WebSocket hub
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// requestID tags every request with an X-Request-ID and logs its duration
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("http_request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// ==============================
// Read Handlers
// ==============================

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ExchangeInfo{
		Custody:     s.engine.Custody().Hex(),
		FeeAccount:  s.engine.FeeAccount().Hex(),
		FeePercent:  s.engine.FeePercent(),
		OrderCount:  s.engine.OrderCount(),
		EventCount:  s.engine.EventCount(),
		StateDigest: s.engine.StateDigest().Hex(),
	})
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	list := s.tokens.List()
	out := make([]TokenInfo, 0, len(list))
	for _, t := range list {
		out = append(out, TokenInfo{
			Address:     t.Address().Hex(),
			Name:        t.Name,
			Symbol:      t.Symbol,
			Decimals:    t.Decimals,
			TotalSupply: t.TotalSupply(),
			Deposited:   s.engine.TotalDeposited(t.Address()),
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenAddr, err := parseAddress("token", vars["token"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	account, err := parseAddress("account", vars["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tokens.Token(tokenAddr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, WalletInfo{
		Token:     tokenAddr.Hex(),
		Account:   account.Hex(),
		Balance:   t.BalanceOf(account),
		Allowance: t.Allowance(account, s.engine.Custody()),
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", mux.Vars(r)["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balances := s.engine.Balances(account)
	out := make([]BalanceInfo, 0, len(balances))
	for _, b := range balances {
		out = append(out, BalanceInfo{Token: b.Asset.Hex(), Account: b.Account.Hex(), Balance: b.Amount})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, err := parseAddress("account", vars["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tokenAddr, err := parseAddress("token", vars["token"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Token:   tokenAddr.Hex(),
		Account: account.Hex(),
		Balance: s.engine.BalanceOf(tokenAddr, account),
	})
}

// handleGetOpenOrders lists open orders, optionally narrowed to a pair with
// ?tokenGet=&tokenGive=
func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters []func(core.Order) bool
	if v := q.Get("tokenGet"); v != "" {
		addr, err := parseAddress("tokenGet", v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		filters = append(filters, func(o core.Order) bool { return o.AssetWanted == addr })
	}
	if v := q.Get("tokenGive"); v != "" {
		addr, err := parseAddress("tokenGive", v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		filters = append(filters, func(o core.Order) bool { return o.AssetOffered == addr })
	}

	out := make([]core.Order, 0)
next:
	for _, o := range s.engine.OpenOrders() {
		for _, keep := range filters {
			if !keep(o) {
				continue next
			}
		}
		out = append(out, o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.engine.Order(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetOrderHistory(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.engine.Order(id); err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.history(func(ev core.Event) bool { return ev.OrderID() == id }, 0, false,
		func() ([]core.Event, error) { return s.store.LoadOrderEvents(id) })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, events)
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", mux.Vars(r)["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	orders := s.engine.OrdersOf(account)
	if orders == nil {
		orders = []core.Order{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetAccountEvents(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", mux.Vars(r)["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	touches := func(ev core.Event) bool {
		for _, u := range ev.Users() {
			if u == account {
				return true
			}
		}
		return false
	}
	events, err := s.history(touches, limit, true,
		func() ([]core.Event, error) { return s.store.LoadUserEvents(account, limit) })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, events)
}

// handleGetNonce returns the last nonce accepted from an account, 0 if none
func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", mux.Vars(r)["account"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	last, _ := s.nonces.Last(account)
	respondJSON(w, map[string]uint64{"lastNonce": last})
}

// handleGetEvents pages through the event log: ?from=<seq>&limit=<n> returns
// events with Seq > from
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.fail(w, r, badRequest("from: invalid sequence %q", v))
			return
		}
		from = n
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var events []core.Event
	if s.store != nil {
		events, err = s.store.LoadEvents(from, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	// The index trails the engine; fall back when it has not caught up.
	if len(events) == 0 {
		events = s.engine.Events(from, limit)
	}
	if events == nil {
		events = []core.Event{}
	}
	respondJSON(w, events)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	isTrade := func(ev core.Event) bool { return ev.Kind == core.EventTrade }
	events, err := s.history(isTrade, limit, true,
		func() ([]core.Event, error) { return s.store.LoadTrades(limit) })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, events)
}

// history serves indexed queries from the event store, or by scanning the
// engine's log when no store is attached.
func (s *Server) history(match func(core.Event) bool, limit int, newestFirst bool, load func() ([]core.Event, error)) ([]core.Event, error) {
	if s.store != nil {
		events, err := load()
		if events == nil {
			events = []core.Event{}
		}
		return events, err
	}

	all := s.engine.Events(0, 0)
	out := make([]core.Event, 0)
	if newestFirst {
		for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			if match(all[i]) {
				out = append(out, all[i])
			}
		}
		return out, nil
	}
	for _, ev := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Signed Request Handlers
// ==============================

// authenticate decodes the body, checks the EIP-712 signature against the
// claimed owner and consumes the nonce
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, action crypto.Action, orderID uint64) (crypto.Request, error) {
	var body SignedRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return crypto.Request{}, badRequest("invalid JSON body: %v", err)
	}
	req, err := body.toRequest(action, orderID)
	if err != nil {
		return req, err
	}
	if body.Signature == "" {
		return req, badRequest("missing signature")
	}
	sig, err := crypto.DecodeSignature(body.Signature)
	if err != nil {
		return req, badRequest("signature: %v", err)
	}
	if err := s.verifier.VerifyRequest(req, sig); err != nil {
		return req, err
	}
	if err := s.nonces.Use(req.Owner, req.Nonce); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := s.authenticate(w, r, crypto.ActionApprove, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tokens.Token(req.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := t.Approve(req.Owner, s.engine.Custody(), req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Infow("approval", "owner", req.Owner.Hex(), "token", t.Symbol, "amount", req.Amount.Dec())
	respondJSON(w, ActionResponse{Status: "ok", Allowance: t.Allowance(req.Owner, s.engine.Custody())})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, err := s.authenticate(w, r, crypto.ActionDeposit, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ev, err := s.engine.DepositToken(req.Owner, req.Token, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, ActionResponse{Status: "ok", Event: &ev})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, err := s.authenticate(w, r, crypto.ActionWithdraw, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ev, err := s.engine.WithdrawToken(req.Owner, req.Token, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, ActionResponse{Status: "ok", Event: &ev})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	req, err := s.authenticate(w, r, crypto.ActionOrder, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.engine.MakeOrder(req.Owner, req.TokenGet, req.AmountGet, req.TokenGive, req.AmountGive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.engine.Order(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, ActionResponse{Status: "ok", Order: &o})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.authenticate(w, r, crypto.ActionCancel, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ev, err := s.engine.CancelOrder(req.Owner, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, ActionResponse{Status: "ok", Event: &ev})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.authenticate(w, r, crypto.ActionFill, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ev, err := s.engine.FillOrder(req.Owner, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, ActionResponse{Status: "ok", Event: &ev})
}

// ==============================
// Helper Functions
// ==============================

func orderID(r *http.Request) (uint64, error) {
	v := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, badRequest("invalid order id %q", v)
	}
	return id, nil
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, badRequest("limit: want a positive integer, got %q", v)
	}
	return min(n, maxLimit), nil
}

// statusFor maps an error to its HTTP status and error code
func statusFor(err error) (int, string) {
	var bad errBadRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, crypto.ErrBadSignature):
		return http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, crypto.ErrStaleNonce):
		return http.StatusUnauthorized, "stale_nonce"
	}

	switch reason := exchange.Reason(err); reason {
	case "invalid_amount":
		return http.StatusBadRequest, reason
	case "unauthorized":
		return http.StatusForbidden, reason
	case "not_found":
		return http.StatusNotFound, reason
	case "already_finalized":
		return http.StatusConflict, reason
	case "insufficient_balance", "transfer_failed":
		return http.StatusUnprocessableEntity, reason
	}

	// wallet operations outside the engine
	switch {
	case errors.Is(err, token.ErrUnknownAsset):
		return http.StatusNotFound, "unknown_token"
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance), errors.Is(err, token.ErrZeroAddress):
		return http.StatusUnprocessableEntity, "transfer_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request_failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	respondError(w, status, code, msg)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// channelFor normalises a subscription channel name. Account channels are
// keyed by checksummed address so clients may subscribe in any case.
func channelFor(name string) (string, error) {
	switch {
	case name == ChannelEvents || name == ChannelTrades:
		return name, nil
	case strings.HasPrefix(name, channelAccount):
		addr := strings.TrimPrefix(name, channelAccount)
		if !common.IsHexAddress(addr) {
			return "", fmt.Errorf("invalid account channel %q", name)
		}
		return AccountChannel(common.HexToAddress(addr)), nil
	case strings.HasPrefix(name, channelOrder):
		id, err := strconv.ParseUint(strings.TrimPrefix(name, channelOrder), 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid order channel %q", name)
		}
		return OrderChannel(id), nil
	default:
		return "", fmt.Errorf("unknown channel %q", name)
	}
}
