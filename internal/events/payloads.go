// payloads.go defines the typed payload carried by each EventType.
//
// Quantities are shopspring decimals throughout; sd ladder magnitudes are
// non-negative and direction is expressed by deliver/receipt or Side fields.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// TradeCreated books a new trade into a position.
type TradeCreated struct {
	Book           types.BookID       `json:"book"`
	Security       types.SecurityID   `json:"security"`
	Side           types.Side         `json:"side"`
	Quantity       decimal.Decimal    `json:"quantity"`
	TradeDate      types.BusinessDate `json:"trade_date"`
	SettlementDate types.BusinessDate `json:"settlement_date"`
	PositionType   types.PositionType `json:"position_type,omitempty"`
	Hypothecatable bool               `json:"hypothecatable,omitempty"`
}

// TradeAmended reverses the original trade's effect and applies the
// replacement, both under this envelope's idempotency token.
type TradeAmended struct {
	OriginalEventID string       `json:"original_event_id"`
	Replacement     TradeCreated `json:"replacement"`
}

// TradeCancelled reverses the original trade's effect.
type TradeCancelled struct {
	OriginalEventID string `json:"original_event_id"`
}

// PositionSnapshot overwrites a position row for resynchronization.
type PositionSnapshot struct {
	Position types.Position `json:"position"`
}

// ContractOpened registers a securities-financing contract.
type ContractOpened struct {
	Contract types.Contract `json:"contract"`
}

// ContractClosed retires a contract.
type ContractClosed struct {
	ContractID string           `json:"contract_id"`
	Security   types.SecurityID `json:"security"`
}

// SettlementAdvance rolls the settlement ladder at the business-day boundary.
type SettlementAdvance struct {
	Date types.BusinessDate `json:"date"`
}

// ReferenceDataUpsert carries a partial security update from one vendor.
// Empty fields mean "no value from this source"; the reference store merges
// per field by source priority.
type ReferenceDataUpsert struct {
	Security types.Security `json:"security"`
}

// MarketPriceTick is a market-data price update. Sheddable under load.
type MarketPriceTick struct {
	Security types.SecurityID `json:"security"`
	Price    decimal.Decimal  `json:"price"`
	At       time.Time        `json:"at"`
}

// LocateRequested opens a locate workflow instance.
type LocateRequested struct {
	LocateID   string           `json:"locate_id"`
	Security   types.SecurityID `json:"security"`
	Client     types.ClientID   `json:"client"`
	Requestor  string           `json:"requestor"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LocateType string           `json:"locate_type"`
}

// LocateDecided records a locate decision (auto, manual, or expiry).
type LocateDecided struct {
	LocateID      string            `json:"locate_id"`
	Security      types.SecurityID  `json:"security"`
	Client        types.ClientID    `json:"client"`
	Quantity      decimal.Decimal   `json:"quantity"`
	State         types.LocateState `json:"state"`
	Reason        string            `json:"reason,omitempty"`
	ReservationID string            `json:"reservation_id,omitempty"`
}

// OrderValidateRequested asks for a synchronous order validation. Normally
// orders arrive through the RPC path; this event form exists for replay.
type OrderValidateRequested struct {
	OrderID         string                  `json:"order_id"`
	Security        types.SecurityID        `json:"security"`
	Client          types.ClientID          `json:"client"`
	AggregationUnit types.AggregationUnitID `json:"aggregation_unit"`
	OrderType       types.OrderType         `json:"order_type"`
	Quantity        decimal.Decimal         `json:"quantity"`
}

// LimitOverride sets absolute limit values for an entity.
type LimitOverride struct {
	Key            types.LimitKey  `json:"key"`
	LongSellLimit  decimal.Decimal `json:"long_sell_limit"`
	ShortSellLimit decimal.Decimal `json:"short_sell_limit"`
}

// ————————————————————————————————————————————————————————————————————————
// Derived event payloads
// ————————————————————————————————————————————————————————————————————————

// PositionChanged is emitted after every applied position mutation.
type PositionChanged struct {
	Position   types.Position   `json:"position"`
	Projection types.Projection `json:"projection"`
}

// InventoryChanged carries a recomputed availability row.
type InventoryChanged struct {
	Availability types.Availability `json:"availability"`
}

// LimitChanged carries a limit row after a reserve/release/override.
type LimitChanged struct {
	Limit types.Limit `json:"limit"`
}

// OrderValidated is the downstream record of a validation decision.
type OrderValidated struct {
	Validation types.OrderValidation `json:"validation"`
}

// PositionDrift is raised when a snapshot disagrees with the derived state
// beyond tolerance.
type PositionDrift struct {
	Key         types.PositionKey `json:"key"`
	SnapshotQty decimal.Decimal   `json:"snapshot_qty"`
	DerivedQty  decimal.Decimal   `json:"derived_qty"`
	Tolerance   decimal.Decimal   `json:"tolerance"`
}

// PositionInvalid marks a position whose invariants no longer hold.
type PositionInvalid struct {
	Key    types.PositionKey `json:"key"`
	Detail string            `json:"detail"`
}

// GapDetected marks a vendor sequence gap that exceeded the reorder window.
type GapDetected struct {
	Source  string `json:"source"`
	Key     string `json:"key"`
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

// DecodeFailed wraps a raw vendor record that could not be normalized.
type DecodeFailed struct {
	Source string `json:"source"`
	Raw    []byte `json:"raw"`
	Error  string `json:"error"`
}

// LateSettlement marks a trade whose settlement date was already past
// (d < 0); its quantity went straight to settledQty.
type LateSettlement struct {
	Key            types.PositionKey  `json:"key"`
	Quantity       decimal.Decimal    `json:"quantity"`
	SettlementDate types.BusinessDate `json:"settlement_date"`
}

// newPayload returns a zero payload value for decoding by type.
func newPayload(t EventType) any {
	switch t {
	case TypeTradeCreated:
		return &TradeCreated{}
	case TypeTradeAmended:
		return &TradeAmended{}
	case TypeTradeCancelled:
		return &TradeCancelled{}
	case TypePositionSnapshot:
		return &PositionSnapshot{}
	case TypeContractOpened:
		return &ContractOpened{}
	case TypeContractClosed:
		return &ContractClosed{}
	case TypeSettlementAdvance:
		return &SettlementAdvance{}
	case TypeReferenceDataUpsert:
		return &ReferenceDataUpsert{}
	case TypeMarketPriceTick:
		return &MarketPriceTick{}
	case TypeLocateRequested:
		return &LocateRequested{}
	case TypeLocateDecided:
		return &LocateDecided{}
	case TypeOrderValidateRequested:
		return &OrderValidateRequested{}
	case TypeLimitOverride:
		return &LimitOverride{}
	case TypePositionChanged:
		return &PositionChanged{}
	case TypeInventoryChanged:
		return &InventoryChanged{}
	case TypeLimitChanged:
		return &LimitChanged{}
	case TypeOrderValidated:
		return &OrderValidated{}
	case TypePositionDrift:
		return &PositionDrift{}
	case TypePositionInvalid:
		return &PositionInvalid{}
	case TypeGapDetected:
		return &GapDetected{}
	case TypeDecodeFailed:
		return &DecodeFailed{}
	case TypeLateSettlement:
		return &LateSettlement{}
	default:
		return nil
	}
}
