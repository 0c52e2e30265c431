// Package publish fans derived events out to downstream consumers.
//
// The publisher batches envelopes (size or flush-interval bound, whichever
// trips first) and delivers them to a Bus with at-least-once semantics: a
// failed batch retries with backoff and is never dropped or reordered. A
// single delivery goroutine preserves per-key order globally. Consumers
// deduplicate on (eventType, key, version).
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
)

// Bus is the downstream delivery contract. Publish must be atomic per batch:
// either the whole batch is accepted or an error is returned and the batch
// is retried.
type Bus interface {
	Publish(batch []*events.Envelope) error
}

// Publisher batches and delivers derived events.
type Publisher struct {
	cfg    config.PublishConfig
	bus    Bus
	logger *slog.Logger
	in     chan *events.Envelope
}

// NewPublisher creates a publisher delivering to bus.
func NewPublisher(cfg config.PublishConfig, bus Bus, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "publish"),
		in:     make(chan *events.Envelope, cfg.BatchSize*64),
	}
}

// Emit enqueues one envelope for delivery. Blocks when the buffer is full:
// derived events are never shed.
func (p *Publisher) Emit(env *events.Envelope) {
	p.in <- env
}

// Run delivers batches until ctx is done, then drains what is buffered.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*events.Envelope, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.drain(batch)
			return ctx.Err()
		case env := <-p.in:
			batch = append(batch, env)
			if len(batch) >= p.cfg.BatchSize {
				p.deliver(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.deliver(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// deliver retries the batch until the bus accepts it or ctx ends.
func (p *Publisher) deliver(ctx context.Context, batch []*events.Envelope) {
	bo := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	for {
		err := p.bus.Publish(batch)
		if err == nil {
			return
		}
		wait := bo.Duration()
		p.logger.Warn("bus publish failed, retrying", "batch", len(batch), "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			p.logger.Error("batch abandoned at shutdown", "batch", len(batch), "error", err)
			return
		case <-time.After(wait):
		}
	}
}

// drain flushes the open batch and buffered envelopes on shutdown with a
// single best-effort attempt each.
func (p *Publisher) drain(batch []*events.Envelope) {
	for {
		select {
		case env := <-p.in:
			batch = append(batch, env)
		default:
			if len(batch) == 0 {
				return
			}
			if err := p.bus.Publish(batch); err != nil {
				p.logger.Error("final flush failed", "batch", len(batch), "error", err)
			}
			return
		}
	}
}
