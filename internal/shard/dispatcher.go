// Package shard partitions the event stream by position key and runs one
// single-writer loop per partition.
//
// Routing is a stable FNV-64a hash of the envelope key masked onto a
// power-of-two shard count, so a key's events are always applied by the same
// loop in arrival order. Each shard owns its position engine, write-ahead
// journal, and snapshot store; the dispatcher in front of them is the
// backpressure point: queues past their pressure ratio slow the ingest
// router, and a full queue sheds market-data ticks while critical events
// block until space frees.
package shard

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/internal/position"
)

// Observer receives every applied envelope together with the derived events
// it produced. Called from shard loops; implementations must be safe for
// concurrent use. Not called during recovery replay.
type Observer interface {
	Applied(shard int, env *events.Envelope, derived []position.Event)
}

// priorityLaneCapacity sizes the per-shard lane for latency-sensitive
// events (order validations, settlement rolls).
const priorityLaneCapacity = 1024

// Dispatcher routes envelopes onto shards and runs their loops.
type Dispatcher struct {
	cfg      config.Config
	shards   []*Shard
	mask     uint64
	observer Observer
	logger   *slog.Logger

	// pressure is invoked with true when any shard queue crosses its
	// pressure ratio and with false once all queues recover. Typically the
	// ingest router's SetPressure.
	pressureMu sync.Mutex
	pressureFn func(bool)
	pressured  bool

	shedTicks atomic.Uint64
}

// NewDispatcher builds the shard pool. Journal directories are created and
// recovered lazily in Run.
func NewDispatcher(cfg config.Config, observer Observer, logger *slog.Logger) (*Dispatcher, error) {
	n := cfg.Shards.Count
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("shard count must be a power of two, got %d", n)
	}
	d := &Dispatcher{
		cfg:      cfg,
		shards:   make([]*Shard, n),
		mask:     uint64(n - 1),
		observer: observer,
		logger:   logger.With("component", "dispatcher"),
	}
	for i := 0; i < n; i++ {
		d.shards[i] = newShard(i, cfg, observer, logger)
		d.shards[i].onDequeue = d.updatePressure
	}
	return d, nil
}

// SetPressureFunc registers the backpressure callback. Must be called before
// Run.
func (d *Dispatcher) SetPressureFunc(fn func(bool)) {
	d.pressureFn = fn
}

// ShardFor returns the shard index an envelope key hashes onto.
func (d *Dispatcher) ShardFor(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() & d.mask)
}

// Shard returns the shard at index i, for read-side queries.
func (d *Dispatcher) Shard(i int) *Shard { return d.shards[i] }

// Offer enqueues one envelope onto its shard. Latency-sensitive types take
// the priority lane. A full queue sheds non-critical events; critical events
// block until the shard drains.
func (d *Dispatcher) Offer(env *events.Envelope) error {
	s := d.shards[d.ShardFor(env.Key)]

	if priorityType(env.Type) {
		s.priority <- env
		return nil
	}

	select {
	case s.queue <- env:
	default:
		if !env.Type.Critical() {
			d.shedTicks.Add(1)
			d.updatePressure()
			return nil
		}
		s.queue <- env // blocks; applies backpressure upstream
	}
	d.updatePressure()
	return nil
}

// ShedCount reports how many non-critical events were dropped at full
// queues.
func (d *Dispatcher) ShedCount() uint64 { return d.shedTicks.Load() }

func priorityType(t events.EventType) bool {
	switch t {
	case events.TypeOrderValidateRequested, events.TypeSettlementAdvance, events.TypeLimitOverride:
		return true
	}
	return false
}

// updatePressure flips the backpressure callback when any queue crosses the
// configured ratio, and back once every queue recovers below it.
func (d *Dispatcher) updatePressure() {
	if d.pressureFn == nil {
		return
	}
	hot := false
	threshold := int(float64(d.cfg.Shards.QueueCapacity) * d.cfg.Shards.PressureRatio)
	for _, s := range d.shards {
		if len(s.queue) >= threshold {
			hot = true
			break
		}
	}

	d.pressureMu.Lock()
	defer d.pressureMu.Unlock()
	if hot == d.pressured {
		return
	}
	d.pressured = hot
	d.pressureFn(hot)
	if hot {
		d.logger.Warn("backpressure engaged", "threshold", threshold)
	} else {
		d.logger.Info("backpressure released")
	}
}

// Run recovers every shard from its snapshot and journal, then runs all
// shard loops until ctx is done or a shard fails fatally.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, s := range d.shards {
		if err := s.recover(); err != nil {
			return fmt.Errorf("recover shard %d: %w", s.id, err)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range d.shards {
		s := s
		g.Go(func() error { return s.run(ctx) })
	}
	return g.Wait()
}
