package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBus struct {
	mu      sync.Mutex
	batches [][]*events.Envelope
	fail    int // fail the next n Publish calls
	notify  chan int
}

func newFakeBus() *fakeBus {
	return &fakeBus{notify: make(chan int, 64)}
}

func (b *fakeBus) Publish(batch []*events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail > 0 {
		b.fail--
		return errors.New("bus unavailable")
	}
	copied := make([]*events.Envelope, len(batch))
	copy(copied, batch)
	b.batches = append(b.batches, copied)
	b.notify <- len(copied)
	return nil
}

func (b *fakeBus) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch)
	}
	return n
}

func positionEnvelope(version uint64, contractual int64) *events.Envelope {
	pos := types.Position{
		Key:            types.PositionKey{Book: "EQUITY-01", Security: "SEC-EQ-001", Date: "2023-06-15"},
		ContractualQty: decimal.NewFromInt(contractual),
		SettledQty:     decimal.Zero,
		Status:         types.CalcValid,
		Version:        version,
	}
	env := events.NewEnvelope(events.TypePositionChanged, "ENGINE", pos.Key.String(), "2023-06-15", 0, &events.PositionChanged{Position: pos})
	return &env
}

func TestPublisherFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Publish
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour // only size triggers
	bus := newFakeBus()
	p := NewPublisher(cfg, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Emit(positionEnvelope(1, 100))
	p.Emit(positionEnvelope(2, 200))

	select {
	case n := <-bus.notify:
		if n != 2 {
			t.Fatalf("batch size %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
	}
}

func TestPublisherFlushesOnInterval(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Publish
	cfg.BatchSize = 1000
	cfg.FlushInterval = 10 * time.Millisecond
	bus := newFakeBus()
	p := NewPublisher(cfg, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Emit(positionEnvelope(1, 100))

	select {
	case n := <-bus.notify:
		if n != 1 {
			t.Fatalf("batch size %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interval flush never fired")
	}
}

func TestPublisherRetriesFailedBatch(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Publish
	cfg.BatchSize = 1
	bus := newFakeBus()
	bus.fail = 2
	p := NewPublisher(cfg, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Emit(positionEnvelope(1, 100))

	select {
	case <-bus.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never delivered after failures")
	}
	if bus.total() != 1 {
		t.Fatalf("delivered %d envelopes, want 1", bus.total())
	}
}

// ————————————————————————————————————————————————————————————————
// projection sink

func testSink(t *testing.T) *Sink {
	t.Helper()
	s, err := OpenSink(filepath.Join(t.TempDir(), "proj.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSinkPositionUpsertIsVersionGuarded(t *testing.T) {
	t.Parallel()

	s := testSink(t)
	if err := s.Publish([]*events.Envelope{positionEnvelope(2, 200)}); err != nil {
		t.Fatal(err)
	}
	// Redelivered older version must not win.
	if err := s.Publish([]*events.Envelope{positionEnvelope(1, 100)}); err != nil {
		t.Fatal(err)
	}

	row, err := s.QueryPosition("EQUITY-01", "SEC-EQ-001", "2023-06-15")
	if err != nil {
		t.Fatal(err)
	}
	if row.Version != 2 || row.ContractualQty != "200" {
		t.Fatalf("row = %+v, want version 2 qty 200", row)
	}

	// Newer version replaces.
	if err := s.Publish([]*events.Envelope{positionEnvelope(3, 300)}); err != nil {
		t.Fatal(err)
	}
	row, _ = s.QueryPosition("EQUITY-01", "SEC-EQ-001", "2023-06-15")
	if row.Version != 3 || row.ContractualQty != "300" {
		t.Fatalf("row = %+v, want version 3 qty 300", row)
	}
}

func TestSinkInventoryAndLimitRows(t *testing.T) {
	t.Parallel()

	s := testSink(t)
	av := types.Availability{
		Security: "SEC-EQ-007", Date: "2023-06-15", Type: types.CalcForLoan,
		Quantity: decimal.NewFromInt(500), Included: decimal.NewFromInt(1500),
		Excluded: decimal.NewFromInt(1000), ExcludedBorrowedShares: true, Version: 1,
	}
	invEnv := events.NewEnvelope(events.TypeInventoryChanged, "ENGINE", string(av.Security), av.Date, 0, &events.InventoryChanged{Availability: av})

	lim := types.Limit{
		Key:            types.LimitKey{Kind: types.EntityClient, Entity: "CP-00001", Security: "SEC-EQ-001", Date: "2023-06-15"},
		ShortSellLimit: decimal.NewFromInt(500), ShortSellUsed: decimal.NewFromInt(300), Version: 4,
	}
	limEnv := events.NewEnvelope(events.TypeLimitChanged, "ENGINE", lim.Key.String(), lim.Key.Date, 0, &events.LimitChanged{Limit: lim})

	if err := s.Publish([]*events.Envelope{&invEnv, &limEnv}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.QueryInventory("SEC-EQ-007", "2023-06-15")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CalcType != string(types.CalcForLoan) || rows[0].Quantity != "500" {
		t.Fatalf("inventory rows = %+v", rows)
	}

	lrow, err := s.QueryLimit(lim.Key)
	if err != nil {
		t.Fatal(err)
	}
	if lrow.ShortSellUsed != "300" || lrow.Version != 4 {
		t.Fatalf("limit row = %+v", lrow)
	}
}

func TestSinkDeadLetters(t *testing.T) {
	t.Parallel()

	s := testSink(t)
	s.DeadLetter("MARKIT", []byte(`{"broken`), "decode envelope: unexpected end of JSON input")
	s.DeadLetter("MARKIT", []byte(`garbage`), "decode envelope: invalid character")

	n, err := s.DeadLetterCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("dead letters = %d, want 2", n)
	}
}

func TestSinkStoresMarkers(t *testing.T) {
	t.Parallel()

	s := testSink(t)
	gap := events.NewEnvelope(events.TypeGapDetected, "REUTERS", "", "", 0, &events.GapDetected{Source: "REUTERS", FromSeq: 10, ToSeq: 12})
	if err := s.Publish([]*events.Envelope{&gap}); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM markers WHERE event_type = 'GapDetected'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("markers = %d, want 1", n)
	}
}
