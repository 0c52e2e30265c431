// Package locate implements the pre-trade locate approval workflow.
//
// State machine per request:
//
//	PENDING → AUTO_APPROVED | AUTO_REJECTED | MANUAL_REVIEW
//	MANUAL_REVIEW → MANUAL_APPROVED | MANUAL_REJECTED (or TIMEOUT reject)
//	*_APPROVED → EXPIRED once the reservation's wall-clock expiry passes
//
// Auto decisions come from the rule catalog; anything undecided queues for
// manual review with a timeout. Approvals reserve against the security's
// LOCATE availability; the sweeper releases the reservation at expiry and
// transitions the request to EXPIRED.
package locate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/pkg/types"
)

// Inventory is the slice of the availability calculator the workflow needs.
type Inventory interface {
	LocateAvailable(security types.SecurityID, date types.BusinessDate, now time.Time) decimal.Decimal
	ReserveLocate(security types.SecurityID, qty decimal.Decimal)
	ReleaseLocate(security types.SecurityID, qty decimal.Decimal)
}

// MarketResolver maps a security to its market for rule selection.
type MarketResolver interface {
	Market(id types.SecurityID) types.Market
}

// Workflow owns all live locate requests.
type Workflow struct {
	cfg       config.LocateConfig
	rules     *Catalog
	inventory Inventory
	markets   MarketResolver
	logger    *slog.Logger
	onDecided func(types.LocateRequest)
	clock     func() time.Time

	mu       sync.Mutex
	requests map[string]*types.LocateRequest
	// manualDeadline holds the auto-reject time for queued reviews.
	manualDeadline map[string]time.Time
	date           types.BusinessDate
}

// NewWorkflow builds the workflow. onDecided receives every terminal
// transition (and the MANUAL_REVIEW entry) for publication.
func NewWorkflow(cfg config.LocateConfig, rules *Catalog, inv Inventory, markets MarketResolver, onDecided func(types.LocateRequest), logger *slog.Logger) *Workflow {
	return &Workflow{
		cfg:            cfg,
		rules:          rules,
		inventory:      inv,
		markets:        markets,
		logger:         logger.With("component", "locate"),
		onDecided:      onDecided,
		clock:          time.Now,
		requests:       make(map[string]*types.LocateRequest),
		manualDeadline: make(map[string]time.Time),
	}
}

// DefaultRules builds the built-in auto-approval rule from config: small
// requests with ample inventory approve without human review.
func DefaultRules(cfg config.LocateConfig) []Rule {
	return []Rule{{
		Name:     "auto-approve-small-with-inventory",
		Priority: 100,
		Status:   "ACTIVE",
		Condition: Condition{
			MaxQuantity:       cfg.MaxAutoQuantity,
			MinInventoryRatio: cfg.MinInventoryRatio,
		},
		Action: Action{Decision: "APPROVE", Terminal: true},
	}}
}

// SetBusinessDate moves the availability date at the business-day roll.
func (w *Workflow) SetBusinessDate(d types.BusinessDate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.date = d
}

// Get returns a copy of a request by id.
func (w *Workflow) Get(locateID string) (types.LocateRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.requests[locateID]
	if !ok {
		return types.LocateRequest{}, false
	}
	return *r, true
}

// Submit decides a new locate request. The reply is synchronous: an auto
// decision, or MANUAL_REVIEW with the request queued.
func (w *Workflow) Submit(ctx context.Context, in *events.LocateRequested) (types.LocateRequest, error) {
	if err := ctx.Err(); err != nil {
		return types.LocateRequest{}, err
	}
	if !in.Quantity.IsPositive() {
		return types.LocateRequest{}, fmt.Errorf("locate %s: non-positive quantity %s", in.LocateID, in.Quantity)
	}

	now := w.clock()

	// Idempotency check, rule evaluation, and store run under one lock so
	// concurrent submissions of the same locate id cannot both reserve.
	// Sweep takes inventory calls under this lock too.
	w.mu.Lock()
	if existing, ok := w.requests[in.LocateID]; ok {
		// Idempotent resubmission returns the recorded outcome.
		out := *existing
		w.mu.Unlock()
		return out, nil
	}

	req := types.LocateRequest{
		LocateID:    in.LocateID,
		Security:    in.Security,
		Client:      in.Client,
		Requestor:   in.Requestor,
		Quantity:    in.Quantity,
		LocateType:  in.LocateType,
		RequestedAt: now,
		State:       types.LocatePending,
	}

	outcome := w.rules.Evaluate(&RuleContext{
		Market:     w.markets.Market(in.Security),
		Security:   in.Security,
		Client:     in.Client,
		LocateType: in.LocateType,
		Quantity:   in.Quantity,
		Available:  w.inventory.LocateAvailable(in.Security, w.date, now),
		Now:        now,
	})

	switch {
	case outcome.Decided && outcome.Approve:
		w.approve(&req, types.LocateAutoApproved, outcome.ExpiryHours, now)
	case outcome.Decided:
		req.State = types.LocateAutoRejected
		req.Reason = outcome.Reason
		if req.Reason == "" {
			req.Reason = types.ReasonRuleBlocked
		}
		req.DecidedAt = now
	default:
		req.State = types.LocateManualReview
	}

	stored := req
	w.requests[req.LocateID] = &stored
	if req.State == types.LocateManualReview {
		w.manualDeadline[req.LocateID] = now.Add(w.cfg.ManualTimeout)
	}
	w.mu.Unlock()

	w.decided(req)
	return req, nil
}

// Decide applies a manual reviewer's verdict to a queued request.
func (w *Workflow) Decide(locateID string, approve bool, reason string) (types.LocateRequest, error) {
	now := w.clock()

	w.mu.Lock()
	r, ok := w.requests[locateID]
	if !ok {
		w.mu.Unlock()
		return types.LocateRequest{}, fmt.Errorf("locate %s: unknown request", locateID)
	}
	if r.State != types.LocateManualReview {
		out := *r
		w.mu.Unlock()
		return out, fmt.Errorf("locate %s: not in manual review (state %s)", locateID, out.State)
	}
	delete(w.manualDeadline, locateID)

	if approve {
		w.approve(r, types.LocateManualApproved, 0, now)
	} else {
		r.State = types.LocateManualRejected
		r.Reason = reason
		r.DecidedAt = now
	}
	out := *r
	w.mu.Unlock()

	w.decided(out)
	return out, nil
}

// approve reserves inventory and stamps the reservation. Callers hold the
// lock where the request is shared.
func (w *Workflow) approve(r *types.LocateRequest, state types.LocateState, expiryHours int, now time.Time) {
	expiry := w.cfg.ExpiryHours
	if expiryHours > 0 {
		expiry = time.Duration(expiryHours) * time.Hour
	}
	w.inventory.ReserveLocate(r.Security, r.Quantity)
	r.State = state
	r.ReservationID = newReservationID()
	r.DecidedAt = now
	r.ExpiresAt = now.Add(expiry)
}

// Run drives the sweeper until ctx is done.
func (w *Workflow) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(w.clock())
		}
	}
}

// Sweep times out stale manual reviews and expires elapsed reservations.
func (w *Workflow) Sweep(now time.Time) {
	var decisions []types.LocateRequest

	w.mu.Lock()
	for id, deadline := range w.manualDeadline {
		if now.Before(deadline) {
			continue
		}
		r := w.requests[id]
		r.State = types.LocateAutoRejected
		r.Reason = types.ReasonTimeout
		r.DecidedAt = now
		delete(w.manualDeadline, id)
		decisions = append(decisions, *r)
	}
	for _, r := range w.requests {
		if !r.State.Approved() || r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt) {
			continue
		}
		w.inventory.ReleaseLocate(r.Security, r.Quantity)
		r.State = types.LocateExpired
		decisions = append(decisions, *r)
	}
	w.mu.Unlock()

	for _, d := range decisions {
		w.decided(d)
	}
}

func (w *Workflow) decided(r types.LocateRequest) {
	if w.onDecided != nil {
		w.onDecided(r)
	}
	w.logger.Info("locate transition",
		"locate_id", r.LocateID, "state", r.State,
		"security", r.Security, "quantity", r.Quantity, "reason", r.Reason)
}

func newReservationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
