package exchange

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

// Sink consumes exchange events outside the engine lock: the Pebble
// indexer, the Kafka producer and the WebSocket hub.
type Sink interface {
	Publish(ctx context.Context, ev core.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev core.Event) error

func (f SinkFunc) Publish(ctx context.Context, ev core.Event) error { return f(ctx, ev) }

// Dispatcher delivers every event of an engine, in sequence order and
// without gaps, to a set of sinks. Sink failures are logged and do not
// stop delivery to the others.
type Dispatcher struct {
	engine    *Engine
	sinks     []Sink
	logger    *zap.SugaredLogger
	buffer    int
	poll      time.Duration
	delivered atomic.Uint64
}

func NewDispatcher(engine *Engine, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		engine: engine,
		sinks:  sinks,
		logger: logger.Named("dispatcher").Sugar(),
		buffer: 1024,
		poll:   time.Second,
	}
}

// Delivered is the sequence number of the last event handed to the sinks
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Run delivers events with Seq > from until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, from uint64) error {
	ch, cancel := d.engine.Subscribe(d.buffer)
	defer cancel()

	d.delivered.Store(from)
	d.catchUp(ctx)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.logger.Infow("dispatcher_started", "from", from, "sinks", len(d.sinks))
	for {
		select {
		case <-ctx.Done():
			d.logger.Infow("dispatcher_stopped", "delivered", d.Delivered())
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			last := d.Delivered()
			switch {
			case ev.Seq <= last:
			case ev.Seq == last+1:
				d.deliver(ctx, ev)
			default:
				// the subscription dropped events
				d.catchUp(ctx)
			}
		case <-ticker.C:
			if d.engine.EventCount() > d.Delivered() {
				d.catchUp(ctx)
			}
		}
	}
}

func (d *Dispatcher) catchUp(ctx context.Context) {
	for _, ev := range d.engine.Events(d.Delivered(), 0) {
		d.deliver(ctx, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev core.Event) {
	for _, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			d.logger.Warnw("sink_publish_failed", "seq", ev.Seq, "event", ev.Kind, "err", err)
		}
	}
	d.delivered.Store(ev.Seq)
}
