package refdata

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"ims-engine/pkg/types"
)

var priority = []string{"REUTERS", "BLOOMBERG", "MARKIT", "ULTUMUS", "RIMES"}

func newTestStore() *Store {
	return NewStore(priority, 24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUpsertCreatesSecurity(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	_, changed := s.Upsert("REUTERS", now, types.Security{
		InternalID:  "SEC-EQ-001",
		Identifiers: map[types.IdentifierType]string{types.IdentISIN: "US0378331005"},
		Market:      "US",
		Currency:    "USD",
	})
	if !changed {
		t.Fatal("initial upsert reported no change")
	}

	sec, ok := s.Get("SEC-EQ-001")
	if !ok {
		t.Fatal("security not found after upsert")
	}
	if sec.Market != "US" || sec.Currency != "USD" {
		t.Errorf("merged security = %+v", sec)
	}
	if id, ok := s.Resolve(types.IdentISIN, "US0378331005"); !ok || id != "SEC-EQ-001" {
		t.Errorf("Resolve ISIN = %v %v, want SEC-EQ-001 true", id, ok)
	}
}

func TestLowerPriorityCannotOverwriteFreshField(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	s.Upsert("REUTERS", now, types.Security{InternalID: "S1", Issuer: "Apple Inc"})
	_, changed := s.Upsert("MARKIT", now.Add(time.Hour), types.Security{InternalID: "S1", Issuer: "APPLE INC."})
	if changed {
		t.Error("lower-priority source overwrote a fresh field")
	}
	sec, _ := s.Get("S1")
	if sec.Issuer != "Apple Inc" {
		t.Errorf("issuer = %q, want REUTERS value", sec.Issuer)
	}
}

func TestLowerPriorityFillsMissingField(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	s.Upsert("REUTERS", now, types.Security{InternalID: "S1", Issuer: "Apple Inc"})
	_, changed := s.Upsert("RIMES", now, types.Security{InternalID: "S1", Currency: "USD"})
	if !changed {
		t.Error("lower-priority source could not fill an empty field")
	}
	sec, _ := s.Get("S1")
	if sec.Currency != "USD" || sec.Issuer != "Apple Inc" {
		t.Errorf("merged = %+v", sec)
	}
}

func TestLowerPriorityOverwritesStaleField(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	base := time.Now()

	s.Upsert("REUTERS", base, types.Security{InternalID: "S1", Issuer: "Old Name"})
	// 25h later the REUTERS value has gone stale; MARKIT may replace it.
	_, changed := s.Upsert("MARKIT", base.Add(25*time.Hour), types.Security{InternalID: "S1", Issuer: "New Name"})
	if !changed {
		t.Fatal("stale field was not overwritten")
	}
	sec, _ := s.Get("S1")
	if sec.Issuer != "New Name" {
		t.Errorf("issuer = %q, want New Name", sec.Issuer)
	}
}

func TestHigherPriorityAlwaysWins(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	s.Upsert("RIMES", now, types.Security{InternalID: "S1", Market: "JP"})
	_, changed := s.Upsert("REUTERS", now.Add(time.Minute), types.Security{InternalID: "S1", Market: "TW"})
	if !changed {
		t.Fatal("higher-priority update rejected")
	}
	if got := s.Market("S1"); got != "TW" {
		t.Errorf("market = %s, want TW", got)
	}
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	s.Upsert("REUTERS", now, types.Security{InternalID: "S1", Market: "US"})
	if !s.Active("S1") {
		t.Error("new security should default to ACTIVE")
	}
	s.Upsert("REUTERS", now.Add(time.Hour), types.Security{InternalID: "S1", Status: types.SecurityInactive})
	if s.Active("S1") {
		t.Error("INACTIVE security still reported active")
	}
	if _, ok := s.Get("S1"); !ok {
		t.Error("inactive security must remain queryable")
	}
}
