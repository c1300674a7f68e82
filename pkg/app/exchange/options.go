package exchange

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenex/pkg/util"
)

type Option func(*Engine)

func WithClock(c util.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l.Named("exchange").Sugar() }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
