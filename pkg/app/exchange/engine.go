// Package exchange is the custodial token exchange: a ledger of deposited
// balances plus an order book, behind a single lock. Every successful
// operation appends exactly one event to the exchange's log; a failed
// operation leaves no trace.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/app/core/eventlog"
	"github.com/uhyunpark/tokenex/pkg/app/core/ledger"
	"github.com/uhyunpark/tokenex/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenex/pkg/token"
	"github.com/uhyunpark/tokenex/pkg/util"
)

// AssetResolver looks up the external token behind an asset address
type AssetResolver interface {
	Asset(addr common.Address) (token.Asset, error)
}

type Config struct {
	// Custody holds the exchange's external token balances
	Custody common.Address
	// FeeAccount receives every taker fee
	FeeAccount common.Address
	// FeePercent of the wanted amount, charged to the filler
	FeePercent uint64
}

type Engine struct {
	mu sync.Mutex

	cfg    Config
	assets AssetResolver

	ledger *ledger.Ledger
	book   *orderbook.OrderBook
	events *eventlog.Log

	clock   util.Clock
	logger  *zap.SugaredLogger
	metrics *Metrics
}

func New(cfg Config, assets AssetResolver, opts ...Option) (*Engine, error) {
	if cfg.Custody == (common.Address{}) {
		return nil, fmt.Errorf("custody account must not be the zero address")
	}
	if cfg.FeeAccount == (common.Address{}) {
		return nil, fmt.Errorf("fee account must not be the zero address")
	}
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent must be <= 100, got %d", cfg.FeePercent)
	}
	if assets == nil {
		return nil, fmt.Errorf("asset resolver is required")
	}
	e := &Engine{
		cfg:     cfg,
		assets:  assets,
		ledger:  ledger.New(cfg.Custody),
		book:    orderbook.New(),
		events:  eventlog.New(),
		clock:   util.RealClock{},
		logger:  zap.NewNop().Sugar(),
		metrics: nopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) FeeAccount() common.Address { return e.cfg.FeeAccount }
func (e *Engine) FeePercent() uint64         { return e.cfg.FeePercent }
func (e *Engine) Custody() common.Address    { return e.cfg.Custody }

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

func (e *Engine) emit(ev core.Event) core.Event {
	ev = e.events.Append(ev)
	e.metrics.observeEvent(ev.Kind)
	return ev
}

func (e *Engine) reject(op string, err error, kv ...any) error {
	e.metrics.observeRejection(op, err)
	e.logger.Debugw(op+"_rejected", append(kv, "err", err)...)
	return err
}

func (e *Engine) resolve(asset common.Address) (token.Asset, error) {
	a, err := e.assets.Asset(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrTransferFailed, err)
	}
	return a, nil
}

// DepositToken pulls amount of asset from account's wallet into custody.
// The account must have approved the custody address beforehand.
func (e *Engine) DepositToken(account, asset common.Address, amount *uint256.Int) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.resolve(asset)
	if err != nil {
		return core.Event{}, e.reject("deposit", err, "user", account, "token", asset)
	}
	tr, err := e.ledger.Deposit(account, a, amount)
	if err != nil {
		return core.Event{}, e.reject("deposit", err, "user", account, "token", asset)
	}
	ev := e.emit(core.Event{Kind: core.EventDeposit, Transfer: &tr})
	e.logger.Infow("deposit", "seq", ev.Seq, "user", account, "token", asset, "amount", amount.Dec(), "balance", tr.Balance.Dec())
	return ev, nil
}

// WithdrawToken pays amount of asset from custody back to account's wallet.
func (e *Engine) WithdrawToken(account, asset common.Address, amount *uint256.Int) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.resolve(asset)
	if err != nil {
		return core.Event{}, e.reject("withdraw", err, "user", account, "token", asset)
	}
	tr, err := e.ledger.Withdraw(account, a, amount)
	if err != nil {
		return core.Event{}, e.reject("withdraw", err, "user", account, "token", asset)
	}
	ev := e.emit(core.Event{Kind: core.EventWithdraw, Transfer: &tr})
	e.logger.Infow("withdraw", "seq", ev.Seq, "user", account, "token", asset, "amount", amount.Dec(), "balance", tr.Balance.Dec())
	return ev, nil
}

func (e *Engine) BalanceOf(asset, account common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.BalanceOf(account, asset)
}

// Balances lists the non-zero custodial balances of one account
func (e *Engine) Balances(account common.Address) []core.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balances(account)
}

// TotalDeposited is the sum of every custodial balance of asset
func (e *Engine) TotalDeposited(asset common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Total(asset)
}

// MakeOrder opens an order offering amountOffered of assetOffered for
// amountWanted of assetWanted. The creator must hold at least amountOffered
// of assetOffered, but nothing is reserved: settlement happens at fill time.
func (e *Engine) MakeOrder(creator, assetWanted common.Address, amountWanted *uint256.Int,
	assetOffered common.Address, amountOffered *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amountWanted == nil || amountWanted.IsZero() || amountOffered == nil || amountOffered.IsZero() {
		return 0, e.reject("make_order", fmt.Errorf("%w: order amounts must be positive", core.ErrInvalidAmount), "user", creator)
	}
	if bal := e.ledger.BalanceOf(creator, assetOffered); bal.Lt(amountOffered) {
		err := fmt.Errorf("%w: have %s of %s, order offers %s", core.ErrInsufficientBalance, bal.Dec(), assetOffered.Hex(), amountOffered.Dec())
		return 0, e.reject("make_order", err, "user", creator)
	}

	o := e.book.Create(creator, assetWanted, amountWanted, assetOffered, amountOffered, e.now())
	ev := e.emit(core.Event{Kind: core.EventOrder, Order: core.NewOrderEvent(o, o.CreatedAt)})
	e.metrics.setOpenOrders(e.book)
	e.logger.Infow("order_created", "seq", ev.Seq, "id", o.ID, "user", creator,
		"token_get", assetWanted, "amount_get", amountWanted.Dec(),
		"token_give", assetOffered, "amount_give", amountOffered.Dec())
	return o.ID, nil
}

// CancelOrder cancels an open order. Only its creator may cancel it.
func (e *Engine) CancelOrder(requester common.Address, id uint64) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.book.Cancel(requester, id, e.now())
	if err != nil {
		return core.Event{}, e.reject("cancel_order", err, "user", requester, "id", id)
	}
	ev := e.emit(core.Event{Kind: core.EventCancel, Order: core.NewOrderEvent(o, o.FinalizedAt)})
	e.metrics.setOpenOrders(e.book)
	e.logger.Infow("order_cancelled", "seq", ev.Seq, "id", id, "user", requester)
	return ev, nil
}

// Fee returns amount * feePercent / 100, truncated.
func (e *Engine) Fee(amount *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(e.cfg.FeePercent))
	if overflow {
		return nil, fmt.Errorf("%w: fee overflows", core.ErrInvalidAmount)
	}
	return fee.Div(fee, uint256.NewInt(100)), nil
}

// FillOrder settles an open order against filler. The filler pays
// amountWanted plus the fee in the wanted asset and receives amountOffered;
// the creator receives exactly amountWanted. Either every balance moves or
// none does.
func (e *Engine) FillOrder(filler common.Address, id uint64) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.book.Fillable(id)
	if err != nil {
		return core.Event{}, e.reject("fill_order", err, "user", filler, "id", id)
	}
	fee, err := e.Fee(o.AmountWanted)
	if err != nil {
		return core.Event{}, e.reject("fill_order", err, "user", filler, "id", id)
	}
	cost, overflow := new(uint256.Int).AddOverflow(o.AmountWanted, fee)
	if overflow {
		err := fmt.Errorf("%w: fill cost overflows", core.ErrInvalidAmount)
		return core.Event{}, e.reject("fill_order", err, "user", filler, "id", id)
	}

	b := e.ledger.Begin()
	steps := []struct {
		name string
		run  func() error
	}{
		{"debit_filler", func() error { return b.Debit(filler, o.AssetWanted, cost) }},
		{"credit_creator", func() error { return b.Credit(o.Creator, o.AssetWanted, o.AmountWanted) }},
		{"credit_fee", func() error { return b.Credit(e.cfg.FeeAccount, o.AssetWanted, fee) }},
		{"debit_creator", func() error { return b.Debit(o.Creator, o.AssetOffered, o.AmountOffered) }},
		{"credit_filler", func() error { return b.Credit(filler, o.AssetOffered, o.AmountOffered) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return core.Event{}, e.reject("fill_order", fmt.Errorf("%s: %w", s.name, err), "user", filler, "id", id)
		}
	}

	now := e.now()
	if _, err := e.book.MarkFilled(id, now); err != nil {
		return core.Event{}, e.reject("fill_order", err, "user", filler, "id", id)
	}
	b.Commit()

	ev := e.emit(core.Event{Kind: core.EventTrade, Trade: &core.TradeEvent{
		ID:         o.ID,
		User:       filler,
		TokenGet:   o.AssetWanted,
		AmountGet:  o.AmountWanted,
		TokenGive:  o.AssetOffered,
		AmountGive: o.AmountOffered,
		Creator:    o.Creator,
		Timestamp:  now,
	}})
	e.metrics.setOpenOrders(e.book)
	e.logger.Infow("order_filled", "seq", ev.Seq, "id", id, "filler", filler, "creator", o.Creator, "fee", fee.Dec())
	return ev, nil
}

func (e *Engine) Order(id uint64) (core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Get(id)
}

func (e *Engine) OrderCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Count()
}

func (e *Engine) IsCancelled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.IsCancelled(id)
}

func (e *Engine) IsFilled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.IsFilled(id)
}

func (e *Engine) OpenOrders() []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Open()
}

func (e *Engine) OrdersOf(account common.Address) []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.ByCreator(account)
}

// Events returns logged events with Seq > from, at most limit (0 = all).
// The log has its own lock so readers never contend with writers here.
func (e *Engine) Events(from uint64, limit int) []core.Event {
	return e.events.Since(from, limit)
}

func (e *Engine) EventCount() uint64 { return e.events.Len() }

// Subscribe streams events as they are appended. Slow readers miss events
// and should catch up with Events.
func (e *Engine) Subscribe(buffer int) (<-chan core.Event, func()) {
	return e.events.Subscribe(buffer)
}
