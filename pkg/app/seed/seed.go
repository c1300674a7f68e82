// Package seed fills a fresh exchange with a small trading history for
// local development: a cancelled order, three fills and a book of open
// orders on both sides of one pair.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenex/pkg/app/exchange"
	"github.com/uhyunpark/tokenex/pkg/token"
	"github.com/uhyunpark/tokenex/pkg/util"
)

type Config struct {
	// Maker holds the genesis supply and funds Taker
	Maker common.Address
	Taker common.Address
	// Base is offered by Maker, Quote by Taker
	Base  common.Address
	Quote common.Address
	// Pause between steps so seeded events get distinct timestamps
	Pause time.Duration
	// Deposit is what each side approves and deposits, in whole tokens
	Deposit uint64
}

func DefaultConfig(maker, taker, base, quote common.Address) Config {
	return Config{
		Maker:   maker,
		Taker:   taker,
		Base:    base,
		Quote:   quote,
		Pause:   time.Second,
		Deposit: 10_000,
	}
}

// Report counts what Run produced
type Report struct {
	Orders    int
	Cancelled int
	Filled    int
}

type seeder struct {
	engine *exchange.Engine
	cfg    Config
	clock  util.Clock
	logger *zap.SugaredLogger
	report Report
}

// Run seeds engine. It stops at the first failure; whatever ran before it
// stays applied.
func Run(ctx context.Context, engine *exchange.Engine, tokens *token.Registry, cfg Config, clock util.Clock, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	s := &seeder{engine: engine, cfg: cfg, clock: clock, logger: logger.Named("seed").Sugar()}

	base, err := tokens.Token(cfg.Base)
	if err != nil {
		return s.report, err
	}
	quote, err := tokens.Token(cfg.Quote)
	if err != nil {
		return s.report, err
	}
	if err := s.fund(base, quote); err != nil {
		return s.report, err
	}

	// A cancelled order
	id, err := s.order(cfg.Maker, quote, 100, base, 5)
	if err != nil {
		return s.report, err
	}
	if _, err := engine.CancelOrder(cfg.Maker, id); err != nil {
		return s.report, fmt.Errorf("cancel order %d: %w", id, err)
	}
	s.report.Cancelled++
	if err := s.pause(ctx); err != nil {
		return s.report, err
	}

	// Filled orders
	fills := []struct{ get, give uint64 }{{100, 10}, {50, 15}, {200, 20}}
	for _, f := range fills {
		id, err := s.order(cfg.Maker, quote, f.get, base, f.give)
		if err != nil {
			return s.report, err
		}
		if _, err := engine.FillOrder(cfg.Taker, id); err != nil {
			return s.report, fmt.Errorf("fill order %d: %w", id, err)
		}
		s.report.Filled++
		if err := s.pause(ctx); err != nil {
			return s.report, err
		}
	}

	// Open orders on both sides
	for i := uint64(1); i <= 10; i++ {
		if _, err := s.order(cfg.Maker, quote, 10*i, base, 10); err != nil {
			return s.report, err
		}
		if err := s.pause(ctx); err != nil {
			return s.report, err
		}
	}
	for i := uint64(1); i <= 10; i++ {
		if _, err := s.order(cfg.Taker, base, 10, quote, 10*i); err != nil {
			return s.report, err
		}
		if err := s.pause(ctx); err != nil {
			return s.report, err
		}
	}

	s.logger.Infow("seed_complete", "orders", s.report.Orders, "cancelled", s.report.Cancelled, "filled", s.report.Filled)
	return s.report, nil
}

// fund moves Quote to the taker, then both sides approve and deposit
func (s *seeder) fund(base, quote *token.Token) error {
	amount := wholeTokens(s.cfg.Deposit, quote.Decimals)
	if err := quote.Transfer(s.cfg.Maker, s.cfg.Taker, amount); err != nil {
		return fmt.Errorf("fund taker: %w", err)
	}

	deposits := []struct {
		who common.Address
		tok *token.Token
	}{
		{s.cfg.Maker, base},
		{s.cfg.Taker, quote},
	}
	for _, d := range deposits {
		amount := wholeTokens(s.cfg.Deposit, d.tok.Decimals)
		if err := d.tok.Approve(d.who, s.engine.Custody(), amount); err != nil {
			return fmt.Errorf("approve %s: %w", d.tok.Symbol, err)
		}
		if _, err := s.engine.DepositToken(d.who, d.tok.Address(), amount); err != nil {
			return fmt.Errorf("deposit %s: %w", d.tok.Symbol, err)
		}
		s.logger.Debugw("seed_deposit", "user", d.who, "token", d.tok.Symbol, "amount", amount.Dec())
	}
	return nil
}

func (s *seeder) order(creator common.Address, get *token.Token, amountGet uint64, give *token.Token, amountGive uint64) (uint64, error) {
	id, err := s.engine.MakeOrder(creator,
		get.Address(), wholeTokens(amountGet, get.Decimals),
		give.Address(), wholeTokens(amountGive, give.Decimals))
	if err != nil {
		return 0, fmt.Errorf("make order: %w", err)
	}
	s.report.Orders++
	return id, nil
}

func (s *seeder) pause(ctx context.Context) error {
	if s.cfg.Pause <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.cfg.Pause):
		return nil
	}
}

func wholeTokens(n uint64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), token.Unit(decimals))
}
