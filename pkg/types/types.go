// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — security and book
// identifiers, position tuples with their settlement ladder, inventory
// availability rows, client/aggregation-unit limits, locate requests, and
// order validations. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// SecurityID is the opaque internal identifier of a security. It is globally
// unique and stable across vendor identifier changes.
type SecurityID string

// BookID identifies a trading book.
type BookID string

// ClientID identifies a client (counterparty) account.
type ClientID string

// AggregationUnitID identifies a regulatory aggregation unit. The AU's market
// assignment selects the regulatory rule set for validation.
type AggregationUnitID string

// Market is an exchange/market code, e.g. "TW", "JP", "US".
type Market string

const (
	MarketTaiwan Market = "TW"
	MarketJapan  Market = "JP"
)

// BusinessDate is a trading date in YYYY-MM-DD form, distinct from wall-clock
// time. The zero value is invalid.
type BusinessDate string

// ParseBusinessDate validates and normalizes a YYYY-MM-DD date string.
func ParseBusinessDate(s string) (BusinessDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", fmt.Errorf("parse business date %q: %w", s, err)
	}
	return BusinessDate(t.Format("2006-01-02")), nil
}

// Time returns the date at midnight UTC. Invalid dates return the zero time.
func (d BusinessDate) Time() time.Time {
	t, _ := time.Parse("2006-01-02", string(d))
	return t
}

// AddDays returns the date shifted by n calendar days.
func (d BusinessDate) AddDays(n int) BusinessDate {
	return BusinessDate(d.Time().AddDate(0, 0, n).Format("2006-01-02"))
}

// DaysUntil returns the number of calendar days from d to other.
// Negative when other is before d.
func (d BusinessDate) DaysUntil(other BusinessDate) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

// ————————————————————————————————————————————————————————————————————————
// Security master
// ————————————————————————————————————————————————————————————————————————

// IdentifierType enumerates vendor security identifier schemes.
type IdentifierType string

const (
	IdentISIN      IdentifierType = "ISIN"
	IdentCUSIP     IdentifierType = "CUSIP"
	IdentSEDOL     IdentifierType = "SEDOL"
	IdentTicker    IdentifierType = "TICKER"
	IdentReuters   IdentifierType = "REUTERS_ID"
	IdentBloomberg IdentifierType = "BLOOMBERG_ID"
)

// SecurityStatus is the lifecycle state of a security. Securities are never
// deleted; they transition to INACTIVE or DELETED.
type SecurityStatus string

const (
	SecurityActive   SecurityStatus = "ACTIVE"
	SecurityInactive SecurityStatus = "INACTIVE"
	SecurityDeleted  SecurityStatus = "DELETED"
)

// Security is a reference-data row for one instrument.
type Security struct {
	InternalID  SecurityID                `json:"internal_id"`
	Identifiers map[IdentifierType]string `json:"identifiers"`
	Market      Market                    `json:"market"`
	Type        string                    `json:"type"`
	Issuer      string                    `json:"issuer"`
	Currency    string                    `json:"currency"`
	Status      SecurityStatus            `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and the settlement ladder
// ————————————————————————————————————————————————————————————————————————

// QtyPrecision is the fractional precision for all quantities.
const QtyPrecision = 8

// LadderDays is the settlement horizon: sd0..sd4.
const LadderDays = 5

// PositionType classifies the book's economic purpose for a position.
type PositionType string

const (
	PosTrading      PositionType = "TRADING"
	PosFinancing    PositionType = "FINANCING"
	PosClient       PositionType = "CLIENT"
	PosProprietary  PositionType = "PROPRIETARY"
	PosMarketMaking PositionType = "MARKET_MAKING"
	PosHedging      PositionType = "HEDGING"
)

// CalcStatus is the calculation status of a derived projection.
type CalcStatus string

const (
	CalcPending CalcStatus = "PENDING"
	CalcValid   CalcStatus = "VALID"
	CalcInvalid CalcStatus = "INVALID"
	CalcError   CalcStatus = "ERROR"
	CalcStale   CalcStatus = "STALE"
)

// PositionKey uniquely identifies a position row.
type PositionKey struct {
	Book     BookID       `json:"book"`
	Security SecurityID   `json:"security"`
	Date     BusinessDate `json:"date"`
}

// String renders the key as book/security/date, usable as a shard key.
func (k PositionKey) String() string {
	return string(k.Book) + "/" + string(k.Security) + "/" + string(k.Date)
}

// LadderRung is one settlement day's pending movements. Both sides are
// non-negative magnitudes; direction is carried by the field, not the sign.
type LadderRung struct {
	Deliver decimal.Decimal `json:"deliver"`
	Receipt decimal.Decimal `json:"receipt"`
}

// Position is the authoritative per-(book, security, date) state tuple.
// Derived attributes (net settlement, projected position) are recomputed
// from this struct and never stored independently.
type Position struct {
	Key PositionKey `json:"key"`
	// AsOf is the date through which settlement rolls have been applied.
	// Ladder rungs are indexed relative to it: sd0 settles on AsOf+1's roll.
	AsOf           BusinessDate           `json:"as_of"`
	ContractualQty decimal.Decimal        `json:"contractual_qty"`
	SettledQty     decimal.Decimal        `json:"settled_qty"`
	Ladder         [LadderDays]LadderRung `json:"ladder"`
	// BeyondDeliver/BeyondReceipt accumulate settlements past sd4; they feed
	// sd4 as the ladder rolls.
	BeyondDeliver  decimal.Decimal `json:"beyond_deliver"`
	BeyondReceipt  decimal.Decimal `json:"beyond_receipt"`
	Type           PositionType    `json:"type"`
	Hypothecatable bool            `json:"hypothecatable"`
	Reserved       bool            `json:"reserved"`
	Status         CalcStatus      `json:"status"`
	Version        uint64          `json:"version"`
	LastEventID    string          `json:"last_event_id"`
}

// NetSettlement is the sum over the ladder of receipts minus deliveries,
// including the beyond-ladder bucket.
func (p *Position) NetSettlement() decimal.Decimal {
	net := p.BeyondReceipt.Sub(p.BeyondDeliver)
	for _, r := range p.Ladder {
		net = net.Add(r.Receipt).Sub(r.Deliver)
	}
	return net
}

// ProjectedPosition is settledQty plus all pending net settlement.
func (p *Position) ProjectedPosition() decimal.Decimal {
	return p.SettledQty.Add(p.NetSettlement())
}

// Projection is the derived settlement-ladder calculation for a position.
type Projection struct {
	Key                PositionKey     `json:"key"`
	NetSettlementToday decimal.Decimal `json:"net_settlement_today"`
	NetSettlement      decimal.Decimal `json:"net_settlement"`
	ProjectedSettled   decimal.Decimal `json:"projected_settled"`
	ProjectedPosition  decimal.Decimal `json:"projected_position"`
	TotalDeliveries    decimal.Decimal `json:"total_deliveries"`
	TotalReceipts      decimal.Decimal `json:"total_receipts"`
	Status             CalcStatus      `json:"status"`
	Version            uint64          `json:"version"`
	CalculatedAt       time.Time       `json:"calculated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Inventory availability
// ————————————————————————————————————————————————————————————————————————

// CalculationType selects which availability figure a row carries.
type CalculationType string

const (
	CalcForLoan    CalculationType = "FOR_LOAN"
	CalcForPledge  CalculationType = "FOR_PLEDGE"
	CalcLongSell   CalculationType = "LONG_SELL"
	CalcShortSell  CalculationType = "SHORT_SELL"
	CalcLocate     CalculationType = "LOCATE"
	CalcOverborrow CalculationType = "OVERBORROW"
)

// Availability is one calculated inventory row for a security.
type Availability struct {
	Security SecurityID      `json:"security"`
	Date     BusinessDate    `json:"date"`
	Type     CalculationType `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`

	// Breakdown of what went in and what was taken out.
	Included decimal.Decimal `json:"included"`
	Excluded decimal.Decimal `json:"excluded"`

	// Market-rule flags.
	ExcludedBorrowedShares  bool `json:"excluded_borrowed_shares,omitempty"`
	SettlementCutoffApplied bool `json:"settlement_cutoff_applied,omitempty"`
	QuantoSettlementHandled bool `json:"quanto_settlement_handled,omitempty"`

	Version      uint64    `json:"version"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Limits, locates, validations
// ————————————————————————————————————————————————————————————————————————

// EntityKind distinguishes the two limit flavors.
type EntityKind string

const (
	EntityClient          EntityKind = "CLIENT"
	EntityAggregationUnit EntityKind = "AGGREGATION_UNIT"
)

// LimitKey identifies a limit row for either a client or an AU.
type LimitKey struct {
	Kind     EntityKind   `json:"kind"`
	Entity   string       `json:"entity"`
	Security SecurityID   `json:"security"`
	Date     BusinessDate `json:"date"`
}

func (k LimitKey) String() string {
	return string(k.Kind) + "/" + k.Entity + "/" + string(k.Security) + "/" + string(k.Date)
}

// Limit is a per-entity trading limit with its intraday usage counters.
// Used counters are monotonically non-decreasing within a business day.
type Limit struct {
	Key            LimitKey        `json:"key"`
	LongSellLimit  decimal.Decimal `json:"long_sell_limit"`
	ShortSellLimit decimal.Decimal `json:"short_sell_limit"`
	LongSellUsed   decimal.Decimal `json:"long_sell_used"`
	ShortSellUsed  decimal.Decimal `json:"short_sell_used"`
	Status         string          `json:"status"`
	Version        uint64          `json:"version"`
}

// Bucket returns the limit and used counters governing an order type.
// BUY orders are not limit-checked; they fall through to the long-sell
// bucket, which callers never consult for buys.
func (l *Limit) Bucket(ot OrderType) (limit, used decimal.Decimal) {
	if ot == OrderShortSell {
		return l.ShortSellLimit, l.ShortSellUsed
	}
	return l.LongSellLimit, l.LongSellUsed
}

// SetUsed writes the used counter for an order type.
func (l *Limit) SetUsed(ot OrderType, used decimal.Decimal) {
	if ot == OrderShortSell {
		l.ShortSellUsed = used
	} else {
		l.LongSellUsed = used
	}
}

// OrderType is the validated order direction.
type OrderType string

const (
	OrderBuy       OrderType = "BUY"
	OrderLongSell  OrderType = "LONG_SELL"
	OrderShortSell OrderType = "SHORT_SELL"
)

// Side is the direction of a trade fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SignedQty applies the side's sign to a non-negative quantity.
func (s Side) SignedQty(qty decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return qty.Neg()
	}
	return qty
}

// LocateState is the locate request lifecycle state.
type LocateState string

const (
	LocatePending        LocateState = "PENDING"
	LocateAutoApproved   LocateState = "AUTO_APPROVED"
	LocateAutoRejected   LocateState = "AUTO_REJECTED"
	LocateManualReview   LocateState = "MANUAL_REVIEW"
	LocateManualApproved LocateState = "MANUAL_APPROVED"
	LocateManualRejected LocateState = "MANUAL_REJECTED"
	LocateExpired        LocateState = "EXPIRED"
)

// Approved reports whether the state carries an inventory reservation.
func (s LocateState) Approved() bool {
	return s == LocateAutoApproved || s == LocateManualApproved
}

// LocateRequest is a pre-trade short-sell authorization request.
type LocateRequest struct {
	LocateID      string          `json:"locate_id"`
	Security      SecurityID      `json:"security"`
	Client        ClientID        `json:"client"`
	Requestor     string          `json:"requestor"`
	Quantity      decimal.Decimal `json:"quantity"`
	LocateType    string          `json:"locate_type"`
	RequestedAt   time.Time       `json:"requested_at"`
	State         LocateState     `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	DecidedAt     time.Time       `json:"decided_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
}

// ValidationStatus is the outcome of an order validation.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "PENDING"
	ValidationApproved ValidationStatus = "APPROVED"
	ValidationRejected ValidationStatus = "REJECTED"
	ValidationError    ValidationStatus = "ERROR"
)

// Rejection reason codes (closed set).
const (
	ReasonInsufficientClientLimit = "INSUFFICIENT_CLIENT_LIMIT"
	ReasonInsufficientAULimit     = "INSUFFICIENT_AU_LIMIT"
	ReasonUnknownSecurity         = "UNKNOWN_SECURITY"
	ReasonInactiveClient          = "INACTIVE_CLIENT"
	ReasonMarketClosed            = "MARKET_CLOSED"
	ReasonInsufficientInventory   = "INSUFFICIENT_INVENTORY"
	ReasonRuleBlocked             = "RULE_BLOCKED"
	ReasonTimeout                 = "TIMEOUT"
)

// Error taxonomy codes for hot-path replies.
const (
	ErrCodeTimeout  = "TIMEOUT"
	ErrCodeBusy     = "BUSY"
	ErrCodeInternal = "INTERNAL"
)

// OrderValidation is the record of one short/long-sell order check.
type OrderValidation struct {
	ValidationID    string            `json:"validation_id"`
	OrderID         string            `json:"order_id"`
	Security        SecurityID        `json:"security"`
	Client          ClientID          `json:"client"`
	AggregationUnit AggregationUnitID `json:"aggregation_unit"`
	OrderType       OrderType         `json:"order_type"`
	Quantity        decimal.Decimal   `json:"quantity"`
	Status          ValidationStatus  `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ReservationIDs  []string          `json:"reservation_ids,omitempty"`
	ProcessingTime  time.Duration     `json:"processing_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Contracts
// ————————————————————————————————————————————————————————————————————————

// ContractKind classifies securities-financing contracts that feed the
// inventory calculation.
type ContractKind string

const (
	ContractBorrow        ContractKind = "BORROW"
	ContractLoan          ContractKind = "LOAN"
	ContractRepoPledge    ContractKind = "REPO_PLEDGE"
	ContractFinancingSwap ContractKind = "FINANCING_SWAP"
	ContractPayToHold     ContractKind = "PAY_TO_HOLD"
	ContractSLABLending   ContractKind = "SLAB_LENDING"
	ContractExternalAvail ContractKind = "EXTERNAL_AVAILABILITY"
)

// Contract is an open securities-financing contract for a security.
type Contract struct {
	ContractID string          `json:"contract_id"`
	Kind       ContractKind    `json:"kind"`
	Security   SecurityID      `json:"security"`
	Client     ClientID        `json:"client,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	OpenDate   BusinessDate    `json:"open_date"`
	// Quanto marks cross-currency settlement conventions (certain JP lines)
	// that settle T+2.
	Quanto bool `json:"quanto,omitempty"`
}
