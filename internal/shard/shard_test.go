package shard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/internal/position"
	"ims-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Shards.Count = 4
	cfg.Shards.QueueCapacity = 64
	cfg.Journal.Dir = t.TempDir()
	cfg.Journal.SnapshotEveryEvents = 1000
	cfg.Journal.SnapshotEverySecs = time.Hour
	return cfg
}

func tradeEnvelope(id string, seq uint64, qty int64) *events.Envelope {
	return &events.Envelope{
		EventID:        id,
		Type:           events.TypeTradeCreated,
		Source:         "REUTERS",
		BusinessDate:   "2023-06-15",
		Key:            "EQUITY-01/SEC-EQ-001/2023-06-15",
		VendorSequence: seq,
		Payload: &events.TradeCreated{
			Book:           "EQUITY-01",
			Security:       "SEC-EQ-001",
			Side:           types.SideBuy,
			Quantity:       decimal.NewFromInt(qty),
			TradeDate:      "2023-06-15",
			SettlementDate: "2023-06-17",
		},
	}
}

type collectObserver struct {
	mu      sync.Mutex
	applied []events.EventType
	notify  chan struct{}
}

func newCollectObserver() *collectObserver {
	return &collectObserver{notify: make(chan struct{}, 64)}
}

func (o *collectObserver) Applied(shard int, env *events.Envelope, derived []position.Event) {
	o.mu.Lock()
	o.applied = append(o.applied, env.Type)
	o.mu.Unlock()
	o.notify <- struct{}{}
}

func (o *collectObserver) await(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-o.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d applied events", n)
		}
	}
}

func TestShardForStableAndBounded(t *testing.T) {
	t.Parallel()

	d, err := NewDispatcher(testConfig(t), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{"a", "b", "EQUITY-01/SEC-EQ-001/2023-06-15", ""}
	for _, k := range keys {
		first := d.ShardFor(k)
		if first < 0 || first >= 4 {
			t.Fatalf("ShardFor(%q) = %d, out of range", k, first)
		}
		for i := 0; i < 10; i++ {
			if got := d.ShardFor(k); got != first {
				t.Fatalf("ShardFor(%q) unstable: %d then %d", k, first, got)
			}
		}
	}
}

func TestNewDispatcherRejectsBadCount(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Shards.Count = 6
	if _, err := NewDispatcher(cfg, nil, testLogger()); err == nil {
		t.Fatal("non-power-of-two shard count accepted")
	}
}

func TestOfferShedsTicksWhenFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Shards.Count = 1
	cfg.Shards.QueueCapacity = 1
	d, err := NewDispatcher(cfg, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Loops are not running: the first offer fills the only slot.
	if err := d.Offer(tradeEnvelope("E1", 1, 100)); err != nil {
		t.Fatal(err)
	}

	tick := events.NewEnvelope(events.TypeMarketPriceTick, "REUTERS", "SEC-EQ-001", "", 2, &events.MarketPriceTick{})
	if err := d.Offer(&tick); err != nil {
		t.Fatal(err)
	}
	if d.ShedCount() != 1 {
		t.Fatalf("ShedCount = %d, want 1", d.ShedCount())
	}
}

func TestPressureSignalsOnQueueFill(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Shards.Count = 1
	cfg.Shards.QueueCapacity = 4
	cfg.Shards.PressureRatio = 0.5
	d, err := NewDispatcher(cfg, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var signals []bool
	d.SetPressureFunc(func(on bool) {
		mu.Lock()
		signals = append(signals, on)
		mu.Unlock()
	})

	d.Offer(tradeEnvelope("E1", 1, 1))
	mu.Lock()
	n := len(signals)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("pressure signalled at 1/4 fill")
	}

	d.Offer(tradeEnvelope("E2", 2, 1))
	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 || !signals[0] {
		t.Fatalf("signals = %v, want [true] at 2/4 fill", signals)
	}
}

func TestPriorityLaneBypassesMainQueue(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Shards.Count = 1
	cfg.Shards.QueueCapacity = 1
	d, err := NewDispatcher(cfg, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.Offer(tradeEnvelope("E1", 1, 1)) // fills the main queue

	adv := events.NewEnvelope(events.TypeSettlementAdvance, "SCHEDULER", "EQUITY-01/SEC-EQ-001/2023-06-15", "2023-06-17", 0, &events.SettlementAdvance{Date: "2023-06-17"})
	done := make(chan struct{})
	go func() {
		d.Offer(&adv)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("priority offer blocked behind full main queue")
	}
	if got := len(d.Shard(0).priority); got != 1 {
		t.Fatalf("priority lane depth = %d, want 1", got)
	}
}

// End to end: apply through the running loop, then recover a fresh pool from
// the journal and verify the position survives.
func TestRunAppliesAndRecovers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	obs := newCollectObserver()
	d, err := NewDispatcher(cfg, obs, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	d.Offer(tradeEnvelope("E1", 1, 1000))
	d.Offer(tradeEnvelope("E2", 2, 500))
	obs.await(t, 2)

	cancel()
	if err := <-runErr; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	// Fresh pool over the same journal directory.
	d2, err := NewDispatcher(cfg, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s := d2.Shard(d2.ShardFor("EQUITY-01/SEC-EQ-001/2023-06-15"))
	if err := s.recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	key := types.PositionKey{Book: "EQUITY-01", Security: "SEC-EQ-001", Date: "2023-06-15"}
	p, ok := s.Engine().Get(key)
	if !ok {
		t.Fatal("position lost across restart")
	}
	if !p.ContractualQty.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("contractualQty = %s, want 1500", p.ContractualQty)
	}

	// Replayed duplicates must not double-apply.
	if _, err := s.Engine().Apply(tradeEnvelope("E1", 1, 1000)); err != nil {
		t.Fatal(err)
	}
	p, _ = s.Engine().Get(key)
	if !p.ContractualQty.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("duplicate replay changed contractualQty to %s", p.ContractualQty)
	}
}
