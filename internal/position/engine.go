// Package position implements the per-shard position state machine and the
// settlement-ladder projection derived from it.
//
// The Engine owns every Position row for the keys hashed onto its shard. It
// is not safe for concurrent use: the shard loop is its only caller, which
// makes every mutation serialized by construction. Apply consumes one
// envelope, mutates at most the rows the event addresses, and returns the
// derived events (PositionChanged, PositionDrift, PositionInvalid,
// LateSettlement) for the publisher.
//
// Idempotency: an envelope whose EventID has been applied, or whose
// (source, vendorSequence) is not beyond the source's high-water mark, is
// dropped without effect. Trade amendments and cancellations reverse the
// original trade through the recorded effect chain.
package position

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"ims-engine/internal/events"
	"ims-engine/pkg/types"
)

// ErrOverflow is fatal to the shard: a quantity left the representable
// range. The shard halts rather than continue with corrupt arithmetic.
var ErrOverflow = errors.New("position: quantity overflow")

// qtyBound caps the magnitude of any stored quantity.
var qtyBound = decimal.New(1, 27)

// driftTolerance is the snapshot-vs-derived divergence that triggers a
// PositionDrift event.
var driftTolerance = decimal.New(1, -2)

// Event is a derived event produced by Apply, to be wrapped in an envelope
// by the shard loop.
type Event struct {
	Type    events.EventType
	Key     string
	Date    types.BusinessDate
	Payload any
}

// tradeEffect records how a trade event mutated a position so an amendment
// or cancellation can reverse it exactly.
type tradeEffect struct {
	Key         types.PositionKey `json:"key"`
	Contractual decimal.Decimal   `json:"contractual"`
	// Rung is the ladder index the quantity landed in: 0..4, -1 for an
	// immediate settledQty adjustment (late settlement), -2 for beyond-ladder.
	Rung    int             `json:"rung"`
	Deliver decimal.Decimal `json:"deliver"`
	Receipt decimal.Decimal `json:"receipt"`
	Settled decimal.Decimal `json:"settled"`
}

// Engine is one shard's position state machine.
type Engine struct {
	shard  int
	logger *slog.Logger

	positions map[types.PositionKey]*types.Position
	effects   map[string]tradeEffect // eventID → applied effect
	seen      map[string]struct{}    // applied eventIDs
	maxSeq    map[string]uint64      // per-source vendor sequence high-water mark
}

// NewEngine creates an empty state machine for a shard.
func NewEngine(shard int, logger *slog.Logger) *Engine {
	return &Engine{
		shard:     shard,
		logger:    logger.With("component", "position", "shard", shard),
		positions: make(map[types.PositionKey]*types.Position),
		effects:   make(map[string]tradeEffect),
		seen:      make(map[string]struct{}),
		maxSeq:    make(map[string]uint64),
	}
}

// Get returns a copy of the position for a key, if present.
func (e *Engine) Get(key types.PositionKey) (types.Position, bool) {
	p, ok := e.positions[key]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Each calls fn with a copy of every position on the shard.
func (e *Engine) Each(fn func(types.Position)) {
	for _, p := range e.positions {
		fn(*p)
	}
}

// Apply processes one envelope. Returned events are in emission order.
// A nil, nil return means the event was a duplicate or a no-op.
// ErrOverflow is the only fatal error; everything else is absorbed into
// INVALID markings or skips per the error taxonomy.
func (e *Engine) Apply(env *events.Envelope) ([]Event, error) {
	if _, dup := e.seen[env.EventID]; dup {
		return nil, nil
	}
	if env.VendorSequence > 0 {
		if env.VendorSequence <= e.maxSeq[env.Source] {
			return nil, nil
		}
	}

	var out []Event
	var err error
	switch p := env.Payload.(type) {
	case *events.TradeCreated:
		out, err = e.applyTrade(env, p)
	case *events.TradeAmended:
		out, err = e.applyAmend(env, p)
	case *events.TradeCancelled:
		out, err = e.applyCancel(env, p)
	case *events.PositionSnapshot:
		out, err = e.applySnapshot(env, p)
	case *events.SettlementAdvance:
		out, err = e.applyAdvance(env, p)
	default:
		e.logger.Warn("skipping unhandled event type", "type", env.Type, "event_id", env.EventID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.seen[env.EventID] = struct{}{}
	if env.VendorSequence > e.maxSeq[env.Source] {
		e.maxSeq[env.Source] = env.VendorSequence
	}
	return out, nil
}

func (e *Engine) lookupOrCreate(key types.PositionKey, pt types.PositionType, hypothecatable bool) *types.Position {
	if p, ok := e.positions[key]; ok {
		return p
	}
	p := &types.Position{
		Key:            key,
		AsOf:           key.Date,
		Type:           pt,
		Hypothecatable: hypothecatable,
		Status:         types.CalcValid,
	}
	if p.Type == "" {
		p.Type = types.PosTrading
	}
	e.positions[key] = p
	return p
}

func (e *Engine) applyTrade(env *events.Envelope, tc *events.TradeCreated) ([]Event, error) {
	key := types.PositionKey{Book: tc.Book, Security: tc.Security, Date: env.BusinessDate}
	p := e.lookupOrCreate(key, tc.PositionType, tc.Hypothecatable)

	eff, late, err := e.bookTrade(p, tc)
	if err != nil {
		return nil, err
	}
	e.effects[env.EventID] = eff

	out := e.changed(env, p)
	if late != nil {
		out = append(out, Event{Type: events.TypeLateSettlement, Key: key.String(), Date: env.BusinessDate, Payload: late})
	}
	return out, nil
}

// bookTrade applies a trade's quantity into the ladder (or settledQty for
// late settlements) and returns the recorded effect.
func (e *Engine) bookTrade(p *types.Position, tc *events.TradeCreated) (tradeEffect, *events.LateSettlement, error) {
	eff := tradeEffect{Key: p.Key}
	qty := tc.Quantity.Abs()
	signed := tc.Side.SignedQty(qty)
	d := p.AsOf.DaysUntil(tc.SettlementDate)

	p.ContractualQty = p.ContractualQty.Add(signed)
	eff.Contractual = signed

	var late *events.LateSettlement
	switch {
	case d < 0:
		p.SettledQty = p.SettledQty.Add(signed)
		eff.Rung = -1
		eff.Settled = signed
		late = &events.LateSettlement{Key: p.Key, Quantity: signed, SettlementDate: tc.SettlementDate}
	case d < types.LadderDays:
		eff.Rung = d
		if tc.Side == types.SideBuy {
			p.Ladder[d].Receipt = p.Ladder[d].Receipt.Add(qty)
			eff.Receipt = qty
		} else {
			p.Ladder[d].Deliver = p.Ladder[d].Deliver.Add(qty)
			eff.Deliver = qty
		}
	default:
		eff.Rung = -2
		if tc.Side == types.SideBuy {
			p.BeyondReceipt = p.BeyondReceipt.Add(qty)
			eff.Receipt = qty
		} else {
			p.BeyondDeliver = p.BeyondDeliver.Add(qty)
			eff.Deliver = qty
		}
	}

	if err := e.checkBounds(p); err != nil {
		return eff, nil, err
	}
	p.Version++
	return eff, late, nil
}

func (e *Engine) applyAmend(env *events.Envelope, am *events.TradeAmended) ([]Event, error) {
	out, err := e.reverse(env, am.OriginalEventID)
	if err != nil {
		return nil, err
	}
	tc := am.Replacement
	key := types.PositionKey{Book: tc.Book, Security: tc.Security, Date: env.BusinessDate}
	p := e.lookupOrCreate(key, tc.PositionType, tc.Hypothecatable)

	eff, late, err := e.bookTrade(p, &tc)
	if err != nil {
		return nil, err
	}
	e.effects[env.EventID] = eff

	out = append(out, e.changed(env, p)...)
	if late != nil {
		out = append(out, Event{Type: events.TypeLateSettlement, Key: key.String(), Date: env.BusinessDate, Payload: late})
	}
	return out, nil
}

func (e *Engine) applyCancel(env *events.Envelope, c *events.TradeCancelled) ([]Event, error) {
	return e.reverse(env, c.OriginalEventID)
}

// reverse undoes the recorded effect of originalEventID. A missing effect is
// logged and skipped: the original may predate the snapshot horizon or never
// have reached this shard.
func (e *Engine) reverse(env *events.Envelope, originalEventID string) ([]Event, error) {
	eff, ok := e.effects[originalEventID]
	if !ok {
		e.logger.Warn("no recorded effect for reversal",
			"event_id", env.EventID, "original_event_id", originalEventID)
		return nil, nil
	}
	p, ok := e.positions[eff.Key]
	if !ok {
		e.logger.Warn("reversal for unknown position", "key", eff.Key.String())
		return nil, nil
	}

	p.ContractualQty = p.ContractualQty.Sub(eff.Contractual)
	switch eff.Rung {
	case -1:
		p.SettledQty = p.SettledQty.Sub(eff.Settled)
	case -2:
		p.BeyondReceipt = p.BeyondReceipt.Sub(eff.Receipt)
		p.BeyondDeliver = p.BeyondDeliver.Sub(eff.Deliver)
	default:
		p.Ladder[eff.Rung].Receipt = p.Ladder[eff.Rung].Receipt.Sub(eff.Receipt)
		p.Ladder[eff.Rung].Deliver = p.Ladder[eff.Rung].Deliver.Sub(eff.Deliver)
	}
	delete(e.effects, originalEventID)

	if err := e.checkBounds(p); err != nil {
		return nil, err
	}
	p.Version++

	out := e.validateLadder(env, p)
	out = append(out, e.changed(env, p)...)
	return out, nil
}

// validateLadder clamps negative rungs to zero and marks the position
// INVALID. Emission order: the PositionInvalid marker precedes the change.
func (e *Engine) validateLadder(env *events.Envelope, p *types.Position) []Event {
	var detail string
	clamp := func(d decimal.Decimal, name string) decimal.Decimal {
		if d.IsNegative() {
			detail = fmt.Sprintf("%s went negative (%s)", name, d)
			return decimal.Zero
		}
		return d
	}
	for i := range p.Ladder {
		p.Ladder[i].Receipt = clamp(p.Ladder[i].Receipt, fmt.Sprintf("sd%d_receipt", i))
		p.Ladder[i].Deliver = clamp(p.Ladder[i].Deliver, fmt.Sprintf("sd%d_deliver", i))
	}
	p.BeyondReceipt = clamp(p.BeyondReceipt, "beyond_receipt")
	p.BeyondDeliver = clamp(p.BeyondDeliver, "beyond_deliver")

	if detail == "" {
		return nil
	}
	p.Status = types.CalcInvalid
	e.logger.Error("position invariant violated", "key", p.Key.String(), "detail", detail)
	return []Event{{
		Type:    events.TypePositionInvalid,
		Key:     p.Key.String(),
		Date:    env.BusinessDate,
		Payload: &events.PositionInvalid{Key: p.Key, Detail: detail},
	}}
}

func (e *Engine) applySnapshot(env *events.Envelope, snap *events.PositionSnapshot) ([]Event, error) {
	incoming := snap.Position
	if incoming.AsOf == "" {
		incoming.AsOf = incoming.Key.Date
	}
	if incoming.Status == "" {
		incoming.Status = types.CalcValid
	}

	var out []Event
	if existing, ok := e.positions[incoming.Key]; ok {
		drift := existing.ProjectedPosition().Sub(incoming.ProjectedPosition()).Abs()
		if drift.GreaterThanOrEqual(driftTolerance) {
			e.logger.Warn("position drift on snapshot",
				"key", incoming.Key.String(), "drift", drift.String())
			out = append(out, Event{
				Type: events.TypePositionDrift,
				Key:  incoming.Key.String(),
				Date: env.BusinessDate,
				Payload: &events.PositionDrift{
					Key:         incoming.Key,
					SnapshotQty: incoming.ProjectedPosition(),
					DerivedQty:  existing.ProjectedPosition(),
					Tolerance:   driftTolerance,
				},
			})
		}
		incoming.Version = existing.Version
	}

	incoming.Version++
	incoming.LastEventID = env.EventID
	p := incoming
	e.positions[p.Key] = &p

	// Snapshots are external input; their ladder must honor the same
	// non-negativity invariant as derived state.
	out = append(out, e.validateLadder(env, &p)...)
	if err := e.checkBounds(&p); err != nil {
		return nil, err
	}
	return append(out, e.changed(env, &p)...), nil
}

// applyAdvance rolls every position on the shard forward to the payload
// date. Settlements due on or before that date move into settledQty: the
// roll into day X settles X's sd0 immediately, and any leftover sd0 from the
// departing day (T+0 trades booked after its roll) settles first so nothing
// is shifted away unsettled. Advancing to a date already reached is a no-op.
func (e *Engine) applyAdvance(env *events.Envelope, adv *events.SettlementAdvance) ([]Event, error) {
	settle := func(p *types.Position) {
		p.SettledQty = p.SettledQty.Add(p.Ladder[0].Receipt).Sub(p.Ladder[0].Deliver)
		p.Ladder[0] = types.LadderRung{}
	}

	var out []Event
	for _, p := range e.positions {
		rolls := p.AsOf.DaysUntil(adv.Date)
		if rolls <= 0 {
			continue
		}
		for i := 0; i < rolls; i++ {
			settle(p)
			copy(p.Ladder[:], p.Ladder[1:])
			p.Ladder[types.LadderDays-1] = types.LadderRung{
				Receipt: p.BeyondReceipt,
				Deliver: p.BeyondDeliver,
			}
			p.BeyondReceipt = decimal.Zero
			p.BeyondDeliver = decimal.Zero
			settle(p)
		}
		p.AsOf = adv.Date
		if err := e.checkBounds(p); err != nil {
			return nil, err
		}
		p.Version++
		out = append(out, e.changed(env, p)...)
	}
	return out, nil
}

// changed records the event id on the row and emits PositionChanged with a
// fresh projection.
func (e *Engine) changed(env *events.Envelope, p *types.Position) []Event {
	p.LastEventID = env.EventID
	snapshot := *p
	return []Event{{
		Type: events.TypePositionChanged,
		Key:  p.Key.String(),
		Date: env.BusinessDate,
		Payload: &events.PositionChanged{
			Position:   snapshot,
			Projection: Project(&snapshot, env.IngestTime),
		},
	}}
}

func (e *Engine) checkBounds(p *types.Position) error {
	for _, q := range []decimal.Decimal{p.ContractualQty, p.SettledQty, p.BeyondDeliver, p.BeyondReceipt} {
		if q.Abs().GreaterThan(qtyBound) {
			return fmt.Errorf("%w: key %s", ErrOverflow, p.Key.String())
		}
	}
	return nil
}
