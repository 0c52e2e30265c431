// codec.go implements the versioned JSON wire format for envelopes.
//
// Layout on the wire:
//
//	{"schema_version": 1, "event_id": "...", ..., "payload": {...}}
//
// Decoding is strict on the envelope header and lenient on the payload:
// fields the current build does not model are retained verbatim and merged
// back on encode. Unknown event types fail with ErrUnknownEventType so the
// router can dead-letter them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ims-engine/pkg/types"
)

// SchemaVersion is the current wire schema. Decoders accept any version up
// to and including this one.
const SchemaVersion = 1

var (
	ErrUnknownEventType = errors.New("events: unknown event type")
	ErrSchemaTooNew     = errors.New("events: schema version newer than supported")
	ErrMissingEventID   = errors.New("events: missing event_id")
	ErrMissingType      = errors.New("events: missing type")
)

type wireEnvelope struct {
	SchemaVersion    int                `json:"schema_version"`
	EventID          string             `json:"event_id"`
	Type             EventType          `json:"type"`
	Source           string             `json:"source"`
	IngestTime       time.Time          `json:"ingest_time"`
	BusinessDate     types.BusinessDate `json:"business_date"`
	Key              string             `json:"key"`
	VendorSequence   uint64             `json:"vendor_sequence"`
	IdempotencyToken string             `json:"idempotency_token"`
	Payload          json.RawMessage    `json:"payload"`
}

// Encode serializes an envelope, merging back any unknown payload fields
// preserved by a prior Decode.
func Encode(e *Envelope) ([]byte, error) {
	payload, err := encodePayload(e)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		SchemaVersion:    SchemaVersion,
		EventID:          e.EventID,
		Type:             e.Type,
		Source:           e.Source,
		IngestTime:       e.IngestTime,
		BusinessDate:     e.BusinessDate,
		Key:              e.Key,
		VendorSequence:   e.VendorSequence,
		IdempotencyToken: e.IdempotencyToken,
		Payload:          payload,
	}
	return json.Marshal(w)
}

func encodePayload(e *Envelope) (json.RawMessage, error) {
	known, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	if len(e.unknown) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, fmt.Errorf("merge %s payload: %w", e.Type, err)
	}
	for k, v := range e.unknown {
		if _, ok := merged[k]; !ok {
			merged[k] = json.RawMessage(v)
		}
	}
	return json.Marshal(merged)
}

// Decode parses an envelope from its wire form. Unknown payload fields are
// preserved for re-encode; they do not participate in Equal.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if w.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaTooNew, w.SchemaVersion)
	}
	if w.EventID == "" {
		return nil, ErrMissingEventID
	}
	if w.Type == "" {
		return nil, ErrMissingType
	}

	payload := newPayload(w.Type)
	if payload == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}

	e := &Envelope{
		EventID:          w.EventID,
		Type:             w.Type,
		Source:           w.Source,
		IngestTime:       w.IngestTime,
		BusinessDate:     w.BusinessDate,
		Key:              w.Key,
		VendorSequence:   w.VendorSequence,
		IdempotencyToken: w.IdempotencyToken,
		Payload:          payload,
	}
	e.unknown = extractUnknown(w.Type, w.Payload, payload)
	return e, nil
}

// extractUnknown returns payload fields present on the wire but absent from
// the typed struct.
func extractUnknown(t EventType, raw json.RawMessage, payload any) map[string]rawField {
	if len(raw) == 0 {
		return nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}
	knownBytes, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &known); err != nil {
		return nil
	}
	var unknown map[string]rawField
	for k, v := range all {
		if _, ok := known[k]; !ok {
			if unknown == nil {
				unknown = make(map[string]rawField)
			}
			unknown[k] = rawField(v)
		}
	}
	return unknown
}

// Equal compares two envelopes on their known fields only. Preserved unknown
// payload fields are deliberately excluded.
func Equal(a, b *Envelope) bool {
	if a.EventID != b.EventID || a.Type != b.Type || a.Source != b.Source ||
		a.Key != b.Key || a.VendorSequence != b.VendorSequence ||
		a.BusinessDate != b.BusinessDate || a.IdempotencyToken != b.IdempotencyToken {
		return false
	}
	ap, err := json.Marshal(a.Payload)
	if err != nil {
		return false
	}
	bp, err := json.Marshal(b.Payload)
	if err != nil {
		return false
	}
	return string(ap) == string(bp)
}
