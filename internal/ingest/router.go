// router.go wires adapters through decode → dedup → reorder → sink.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
)

// Sink receives normalized, ordered envelopes — in practice the shard
// dispatcher.
type Sink interface {
	Offer(env *events.Envelope) error
}

// DeadLetter receives records that failed normalization, with the raw
// payload for operator inspection.
type DeadLetter interface {
	DeadLetter(source string, raw []byte, reason string)
}

// Router normalizes vendor feeds into the canonical stream.
type Router struct {
	cfg    config.IngestConfig
	sink   Sink
	dead   DeadLetter
	dedup  *dedupCache
	logger *slog.Logger

	// limiter throttles adapter consumption when the dispatcher signals
	// backpressure. Unlimited in the normal case.
	limiter *rate.Limiter

	mu       sync.Mutex
	reorders map[string]*reorderBuffer
}

// pressureRate is the per-second envelope budget while the dispatcher is
// backpressured.
const pressureRate = rate.Limit(1000)

// NewRouter creates a router delivering to sink.
func NewRouter(cfg config.IngestConfig, sink Sink, dead DeadLetter, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		sink:     sink,
		dead:     dead,
		dedup:    newDedupCache(cfg.DedupWindow),
		logger:   logger.With("component", "ingest"),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		reorders: make(map[string]*reorderBuffer),
	}
}

// SetPressure toggles adapter throttling. The dispatcher calls this when a
// shard queue crosses its pressure ratio and again when it recovers.
func (r *Router) SetPressure(on bool) {
	if on {
		r.limiter.SetLimit(pressureRate)
	} else {
		r.limiter.SetLimit(rate.Inf)
	}
}

// RunAdapter consumes one adapter until ctx is done. Transport errors retry
// with exponential backoff (1s base, 30s cap, ±20% jitter); decode failures
// dead-letter and continue.
func (r *Router) RunAdapter(ctx context.Context, a Adapter) error {
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	log := r.logger.With("source", a.Source())

	// Expiry runs on its own timer: a quiet feed can leave Next blocked
	// past the skew window, and parked envelopes must still flush.
	sweep, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go r.sweepReorders(sweep)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		raw, err := a.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			wait := bo.Duration()
			log.Warn("transport error, backing off", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		r.process(a, raw, log)
	}
}

func (r *Router) process(a Adapter, raw Raw, log *slog.Logger) {
	env, err := events.Decode(raw.Data)
	if err != nil {
		log.Warn("decode failed, dead-lettering", "offset", raw.Offset, "error", err)
		r.dead.DeadLetter(a.Source(), raw.Data, err.Error())
		_ = a.Commit(raw.Offset) // poisoned records must not wedge the feed
		return
	}
	if env.Source == "" {
		env.Source = a.Source()
	}

	if r.dedup.Seen(env.Dedup()) {
		_ = a.Commit(raw.Offset)
		return
	}

	ready, gaps := r.offerReorder(env, raw.At)
	r.deliver(ready, gaps)
	_ = a.Commit(raw.Offset)
}

func (r *Router) offerReorder(env *events.Envelope, at time.Time) ([]*events.Envelope, []Gap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.reorders[env.Source]
	if !ok {
		buf = newReorderBuffer(env.Source, r.cfg.ReorderWindow, r.cfg.ReorderMaxSkew)
		r.reorders[env.Source] = buf
	}
	if at.IsZero() {
		at = time.Now()
	}
	return buf.Offer(env, at)
}

// sweepReorders drives reorder expiry until ctx is done. One sweeper runs
// per adapter; Expire is idempotent so overlapping sweeps are harmless.
func (r *Router) sweepReorders(ctx context.Context) {
	interval := r.cfg.ReorderMaxSkew / 2
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireReorders(time.Now())
		}
	}
}

func (r *Router) expireReorders(now time.Time) {
	r.mu.Lock()
	bufs := make([]*reorderBuffer, 0, len(r.reorders))
	for _, b := range r.reorders {
		bufs = append(bufs, b)
	}
	r.mu.Unlock()

	for _, b := range bufs {
		r.mu.Lock()
		ready, gaps := b.Expire(now)
		r.mu.Unlock()
		r.deliver(ready, gaps)
	}
}

func (r *Router) deliver(ready []*events.Envelope, gaps []Gap) {
	for _, g := range gaps {
		marker := events.NewEnvelope(events.TypeGapDetected, g.Source, "", "", 0, &events.GapDetected{
			Source:  g.Source,
			FromSeq: g.FromSeq,
			ToSeq:   g.ToSeq,
		})
		if err := r.sink.Offer(&marker); err != nil {
			r.logger.Warn("gap marker dropped", "source", g.Source, "error", err)
		}
	}
	for _, env := range ready {
		if err := r.sink.Offer(env); err != nil {
			r.logger.Error("sink rejected envelope", "event_id", env.EventID, "error", err)
		}
	}
}
