// Package events defines the canonical event envelope and its versioned
// JSON codec.
//
// Every message flowing through the engine — vendor records after
// normalization, internal requests, and derived output events — is wrapped in
// an Envelope carrying identity (EventID), provenance (Source,
// VendorSequence), routing (Key), and an idempotency token. Payloads are
// typed per EventType; the codec round-trips unknown payload fields so that
// newer producers can talk to older consumers without data loss.
package events

import (
	"time"

	"github.com/google/uuid"

	"ims-engine/pkg/types"
)

// EventType enumerates the closed set of envelope payload types.
type EventType string

// Ingress event types.
const (
	TypeTradeCreated           EventType = "TradeCreated"
	TypeTradeAmended           EventType = "TradeAmended"
	TypeTradeCancelled         EventType = "TradeCancelled"
	TypePositionSnapshot       EventType = "PositionSnapshot"
	TypeContractOpened         EventType = "ContractOpened"
	TypeContractClosed         EventType = "ContractClosed"
	TypeSettlementAdvance      EventType = "SettlementAdvance"
	TypeReferenceDataUpsert    EventType = "ReferenceDataUpsert"
	TypeMarketPriceTick        EventType = "MarketPriceTick"
	TypeLocateRequested        EventType = "LocateRequested"
	TypeLocateDecided          EventType = "LocateDecided"
	TypeOrderValidateRequested EventType = "OrderValidateRequested"
	TypeLimitOverride          EventType = "LimitOverride"
)

// Derived (egress) event types.
const (
	TypePositionChanged  EventType = "PositionChanged"
	TypeInventoryChanged EventType = "InventoryChanged"
	TypeLimitChanged     EventType = "LimitChanged"
	TypeOrderValidated   EventType = "OrderValidated"
	TypePositionDrift    EventType = "PositionDrift"
	TypePositionInvalid  EventType = "PositionInvalid"
	TypeGapDetected      EventType = "GapDetected"
	TypeDecodeFailed     EventType = "DecodeFailed"
	TypeLateSettlement   EventType = "LateSettlement"
)

// Critical reports whether the event may never be shed under backpressure.
// Market-data ticks are the only sheddable ingress type.
func (t EventType) Critical() bool {
	return t != TypeMarketPriceTick
}

// Envelope is the canonical wrapper for every event in the system.
type Envelope struct {
	EventID          string             `json:"event_id"`
	Type             EventType          `json:"type"`
	Source           string             `json:"source"`
	IngestTime       time.Time          `json:"ingest_time"`
	BusinessDate     types.BusinessDate `json:"business_date"`
	Key              string             `json:"key"`
	VendorSequence   uint64             `json:"vendor_sequence"`
	IdempotencyToken string             `json:"idempotency_token"`
	Payload          any                `json:"payload"`

	// unknown holds payload fields this build does not model. Preserved on
	// re-encode, ignored for equality.
	unknown map[string]rawField
}

type rawField []byte

// NewEnvelope builds an envelope with a fresh EventID and ingest timestamp.
// The idempotency token defaults to the EventID; sources with native
// idempotency keys overwrite it.
func NewEnvelope(t EventType, source, key string, date types.BusinessDate, seq uint64, payload any) Envelope {
	id := uuid.NewString()
	return Envelope{
		EventID:          id,
		Type:             t,
		Source:           source,
		IngestTime:       time.Now().UTC(),
		BusinessDate:     date,
		Key:              key,
		VendorSequence:   seq,
		IdempotencyToken: id,
		Payload:          payload,
	}
}

// DedupKey is the (source, vendorSequence) pair used by the ingest router's
// deduplication window.
type DedupKey struct {
	Source   string
	Sequence uint64
}

// Dedup returns the envelope's deduplication key.
func (e *Envelope) Dedup() DedupKey {
	return DedupKey{Source: e.Source, Sequence: e.VendorSequence}
}
