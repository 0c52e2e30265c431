// reorder.go restores per-source sequence order for out-of-order arrivals.
//
// Vendor sequences are dense per source. An arrival ahead of the expected
// sequence is parked; when the gap closes, parked envelopes drain in order.
// A gap that outlives the skew budget, or a buffer past its window size, is
// abandoned: a GapDetected marker describes the missing range and delivery
// resumes from the earliest parked sequence. Arrivals behind the expected
// sequence are delivered immediately with a gap marker (apply-anyway
// semantics) — the engine's idempotency checks decide their fate.
package ingest

import (
	"sort"
	"time"

	"ims-engine/internal/events"
)

// Gap describes a missing sequence range for one source.
type Gap struct {
	Source  string
	FromSeq uint64 // first missing
	ToSeq   uint64 // last missing
}

type reorderBuffer struct {
	source  string
	window  int
	maxSkew time.Duration

	next     uint64 // next expected sequence; 0 = not yet anchored
	pending  map[uint64]*events.Envelope
	arrivals map[uint64]time.Time
}

func newReorderBuffer(source string, window int, maxSkew time.Duration) *reorderBuffer {
	return &reorderBuffer{
		source:   source,
		window:   window,
		maxSkew:  maxSkew,
		pending:  make(map[uint64]*events.Envelope),
		arrivals: make(map[uint64]time.Time),
	}
}

// Offer accepts one envelope and returns the envelopes now deliverable in
// order, plus any gaps crossed.
func (b *reorderBuffer) Offer(env *events.Envelope, now time.Time) ([]*events.Envelope, []Gap) {
	seq := env.VendorSequence
	if seq == 0 {
		// Unsequenced source; pass straight through.
		return []*events.Envelope{env}, nil
	}

	if b.next == 0 {
		b.next = seq + 1
		return []*events.Envelope{env}, nil
	}

	switch {
	case seq == b.next:
		b.next = seq + 1
		out := []*events.Envelope{env}
		return append(out, b.drain()...), nil

	case seq < b.next:
		// Late straggler beyond an already-abandoned gap: apply anyway,
		// flag it.
		return []*events.Envelope{env}, []Gap{{Source: b.source, FromSeq: seq, ToSeq: seq}}

	default:
		b.pending[seq] = env
		b.arrivals[seq] = now
		if len(b.pending) > b.window {
			return b.abandon(now)
		}
		return nil, nil
	}
}

// Expire abandons the open gap when the oldest parked arrival has waited
// past the skew budget.
func (b *reorderBuffer) Expire(now time.Time) ([]*events.Envelope, []Gap) {
	if len(b.pending) == 0 {
		return nil, nil
	}
	for _, at := range b.arrivals {
		if now.Sub(at) > b.maxSkew {
			return b.abandon(now)
		}
	}
	return nil, nil
}

// abandon gives up on the missing range before the earliest parked sequence
// and drains from there.
func (b *reorderBuffer) abandon(now time.Time) ([]*events.Envelope, []Gap) {
	lowest := uint64(0)
	for seq := range b.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	gap := Gap{Source: b.source, FromSeq: b.next, ToSeq: lowest - 1}
	b.next = lowest
	env := b.pending[lowest]
	delete(b.pending, lowest)
	delete(b.arrivals, lowest)
	b.next = lowest + 1
	out := []*events.Envelope{env}
	return append(out, b.drain()...), []Gap{gap}
}

// drain releases consecutively parked envelopes starting at next.
func (b *reorderBuffer) drain() []*events.Envelope {
	var out []*events.Envelope
	for {
		env, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		delete(b.arrivals, b.next)
		out = append(out, env)
		b.next++
	}
}

// parkedSeqs is a test hook: the sorted parked sequences.
func (b *reorderBuffer) parkedSeqs() []uint64 {
	seqs := make([]uint64, 0, len(b.pending))
	for s := range b.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
