// Package validate implements the synchronous short/long-sell order check.
//
// The hot path is bounded two ways: a bulkhead caps concurrent in-flight
// validations (excess requests fail fast with BUSY) and every request
// carries a deadline (default 150 ms) checked before each stage. All limit
// state is in memory; nothing on this path touches disk or network.
// Reservations are two-phase: the aggregation unit is reserved first, then
// the client; any later failure releases what was already taken, so a
// rejection or error never leaks a partial reservation.
package validate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ims-engine/internal/config"
	"ims-engine/internal/limits"
	"ims-engine/pkg/types"
)

// SecurityLookup answers whether a security exists and is tradeable.
type SecurityLookup interface {
	Active(id types.SecurityID) bool
}

// SellReserver mirrors approved sell quantities into inventory availability.
type SellReserver interface {
	ReserveSell(security types.SecurityID, orderType types.OrderType, qty decimal.Decimal)
}

// Request is one order validation call.
type Request struct {
	OrderID         string
	Security        types.SecurityID
	Client          types.ClientID
	AggregationUnit types.AggregationUnitID
	OrderType       types.OrderType
	Quantity        decimal.Decimal
}

// Validator is the short-sell validation entry point.
type Validator struct {
	cfg        config.ValidateConfig
	clients    *limits.Book
	aus        *limits.Book
	securities SecurityLookup
	inventory  SellReserver
	logger     *slog.Logger

	bulkhead chan struct{}
	date     atomic.Value // types.BusinessDate
}

// NewValidator wires the validator over the two limit books.
func NewValidator(cfg config.ValidateConfig, clients, aus *limits.Book, securities SecurityLookup, inv SellReserver, logger *slog.Logger) *Validator {
	v := &Validator{
		cfg:        cfg,
		clients:    clients,
		aus:        aus,
		securities: securities,
		inventory:  inv,
		logger:     logger.With("component", "validate"),
		bulkhead:   make(chan struct{}, cfg.Bulkhead),
	}
	v.date.Store(types.BusinessDate(""))
	return v
}

// SetBusinessDate moves the validation date at the business-day roll.
func (v *Validator) SetBusinessDate(d types.BusinessDate) {
	v.date.Store(d)
}

// BusinessDate returns the current validation date.
func (v *Validator) BusinessDate() types.BusinessDate {
	return v.date.Load().(types.BusinessDate)
}

// Validate runs the full pipeline and always replies within the deadline:
// APPROVED with reservation ids, REJECTED with a closed-set reason, or ERROR
// with a taxonomy code.
func (v *Validator) Validate(ctx context.Context, req Request) types.OrderValidation {
	started := time.Now()
	out := types.OrderValidation{
		ValidationID:    uuid.NewString(),
		OrderID:         req.OrderID,
		Security:        req.Security,
		Client:          req.Client,
		AggregationUnit: req.AggregationUnit,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
	}

	select {
	case v.bulkhead <- struct{}{}:
		defer func() { <-v.bulkhead }()
	default:
		out.Status = types.ValidationError
		out.ErrorCode = types.ErrCodeBusy
		out.ProcessingTime = time.Since(started)
		return out
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Deadline)
		defer cancel()
	}

	v.run(ctx, req, &out)
	out.ProcessingTime = time.Since(started)

	if out.Status != types.ValidationApproved {
		v.logger.Info("validation not approved",
			"order_id", req.OrderID, "status", out.Status,
			"reason", out.Reason, "error_code", out.ErrorCode,
			"elapsed", out.ProcessingTime)
	}
	return out
}

func (v *Validator) run(ctx context.Context, req Request, out *types.OrderValidation) {
	if req.OrderType == types.OrderBuy {
		out.Status = types.ValidationApproved
		return
	}

	if expired(ctx) {
		out.Status = types.ValidationError
		out.ErrorCode = types.ErrCodeTimeout
		return
	}
	if !v.securities.Active(req.Security) {
		out.Status = types.ValidationRejected
		out.Reason = types.ReasonUnknownSecurity
		return
	}

	date := v.BusinessDate()
	auKey := types.LimitKey{Kind: types.EntityAggregationUnit, Entity: string(req.AggregationUnit), Security: req.Security, Date: date}
	clientKey := types.LimitKey{Kind: types.EntityClient, Entity: string(req.Client), Security: req.Security, Date: date}

	// Aggregation unit first: it is the broader resource, so a client-level
	// failure can compensate without having blocked anyone else's AU room.
	if expired(ctx) {
		out.Status = types.ValidationError
		out.ErrorCode = types.ErrCodeTimeout
		return
	}
	auRes := newReservationID()
	if _, err := v.aus.Reserve(auKey, req.OrderType, req.Quantity, auRes); err != nil {
		out.Status = types.ValidationRejected
		out.Reason = types.ReasonInsufficientAULimit
		return
	}

	if expired(ctx) {
		v.aus.Release(auRes)
		out.Status = types.ValidationError
		out.ErrorCode = types.ErrCodeTimeout
		return
	}
	clientRes := newReservationID()
	if _, err := v.clients.Reserve(clientKey, req.OrderType, req.Quantity, clientRes); err != nil {
		v.aus.Release(auRes)
		out.Status = types.ValidationRejected
		out.Reason = types.ReasonInsufficientClientLimit
		return
	}

	if v.inventory != nil {
		v.inventory.ReserveSell(req.Security, req.OrderType, req.Quantity)
	}

	// Approval is the commit point: usage becomes final and the reservation
	// records drop, so the books never accumulate open reservations.
	v.aus.Commit(auRes)
	v.clients.Commit(clientRes)
	out.Status = types.ValidationApproved
	out.ReservationIDs = []string{auRes, clientRes}
}

func expired(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// newReservationID returns a time-ordered id so reservation records sort by
// creation across the books.
func newReservationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
