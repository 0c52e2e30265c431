package locate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/pkg/types"
)

type fakeInventory struct {
	mu        sync.Mutex
	available decimal.Decimal
	reserved  decimal.Decimal
}

func (f *fakeInventory) LocateAvailable(types.SecurityID, types.BusinessDate, time.Time) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available.Sub(f.reserved)
}

func (f *fakeInventory) ReserveLocate(_ types.SecurityID, qty decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = f.reserved.Add(qty)
}

func (f *fakeInventory) ReleaseLocate(_ types.SecurityID, qty decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = f.reserved.Sub(qty)
}

type marketMap map[types.SecurityID]types.Market

func (m marketMap) Market(id types.SecurityID) types.Market { return m[id] }

type fixture struct {
	w         *Workflow
	inv       *fakeInventory
	decisions []types.LocateRequest
	now       time.Time
	mu        sync.Mutex
}

func newFixture(t *testing.T, available int64) *fixture {
	t.Helper()
	cfg := config.Default().Locate
	rules, err := NewCatalog("", DefaultRules(cfg))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		inv: &fakeInventory{available: decimal.NewFromInt(available)},
		now: time.Date(2023, 6, 15, 9, 0, 0, 0, time.UTC),
	}
	f.w = NewWorkflow(cfg, rules, f.inv, marketMap{}, func(r types.LocateRequest) {
		f.mu.Lock()
		f.decisions = append(f.decisions, r)
		f.mu.Unlock()
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.w.clock = func() time.Time { return f.now }
	f.w.SetBusinessDate("2023-06-15")
	return f
}

func locateReq(id string, qty int64) *events.LocateRequested {
	return &events.LocateRequested{
		LocateID:   id,
		Security:   "SEC-EQ-001",
		Client:     "CP-00001",
		Requestor:  "trader-7",
		Quantity:   decimal.NewFromInt(qty),
		LocateType: "STANDARD",
	}
}

// Small request against ample inventory auto-approves with a 24h
// reservation.
func TestAutoApproval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	out, err := f.w.Submit(context.Background(), locateReq("L1", 5000))
	if err != nil {
		t.Fatal(err)
	}
	if out.State != types.LocateAutoApproved {
		t.Fatalf("state = %s, want AUTO_APPROVED", out.State)
	}
	if out.ReservationID == "" {
		t.Fatal("no reservation id on approval")
	}
	if want := f.now.Add(24 * time.Hour); !out.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %s, want %s", out.ExpiresAt, want)
	}
	if !f.inv.reserved.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("inventory reserved %s, want 5000", f.inv.reserved)
	}
}

// Requests the rule set cannot decide queue for manual review.
func TestUndecidedQueuesForManualReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	out, err := f.w.Submit(context.Background(), locateReq("L1", 50000))
	if err != nil {
		t.Fatal(err)
	}
	if out.State != types.LocateManualReview {
		t.Fatalf("state = %s, want MANUAL_REVIEW", out.State)
	}
	if f.inv.reserved.Sign() != 0 {
		t.Fatalf("inventory reserved %s before decision", f.inv.reserved)
	}
}

func TestManualApproveReserves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100000)
	f.w.Submit(context.Background(), locateReq("L1", 50000))

	out, err := f.w.Decide("L1", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != types.LocateManualApproved {
		t.Fatalf("state = %s, want MANUAL_APPROVED", out.State)
	}
	if !f.inv.reserved.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("inventory reserved %s, want 50000", f.inv.reserved)
	}

	// A second decision on the same request fails.
	if _, err := f.w.Decide("L1", false, "changed my mind"); err == nil {
		t.Fatal("second Decide succeeded")
	}
}

func TestManualReviewTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	f.w.Submit(context.Background(), locateReq("L1", 50000))

	f.now = f.now.Add(61 * time.Minute)
	f.w.Sweep(f.now)

	out, _ := f.w.Get("L1")
	if out.State != types.LocateAutoRejected || out.Reason != types.ReasonTimeout {
		t.Fatalf("got %s/%s, want AUTO_REJECTED/TIMEOUT", out.State, out.Reason)
	}
}

func TestReservationExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	f.w.Submit(context.Background(), locateReq("L1", 5000))

	f.now = f.now.Add(25 * time.Hour)
	f.w.Sweep(f.now)

	out, _ := f.w.Get("L1")
	if out.State != types.LocateExpired {
		t.Fatalf("state = %s, want EXPIRED", out.State)
	}
	if f.inv.reserved.Sign() != 0 {
		t.Fatalf("inventory still reserved %s after expiry", f.inv.reserved)
	}
}

func TestResubmitIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	first, _ := f.w.Submit(context.Background(), locateReq("L1", 5000))
	second, err := f.w.Submit(context.Background(), locateReq("L1", 5000))
	if err != nil {
		t.Fatal(err)
	}
	if second.State != first.State || second.ReservationID != first.ReservationID {
		t.Fatalf("resubmission diverged: %+v vs %+v", second, first)
	}
	if !f.inv.reserved.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("inventory reserved %s after resubmit, want 5000", f.inv.reserved)
	}
}

// Racing submissions of the same locate id must reserve exactly once; the
// losers get the recorded outcome back.
func TestConcurrentResubmitReservesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)

	const racers = 8
	outs := make([]types.LocateRequest, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.w.Submit(context.Background(), locateReq("L1", 5000))
			if err != nil {
				t.Errorf("racer %d: %v", i, err)
				return
			}
			outs[i] = out
		}()
	}
	wg.Wait()

	if !f.inv.reserved.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("inventory reserved %s, want 5000 exactly once", f.inv.reserved)
	}
	for i := 1; i < racers; i++ {
		if outs[i].State != outs[0].State || outs[i].ReservationID != outs[0].ReservationID {
			t.Fatalf("racer %d diverged: %+v vs %+v", i, outs[i], outs[0])
		}
	}
}

func TestRejectsNonPositiveQuantity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 15000)
	if _, err := f.w.Submit(context.Background(), locateReq("L1", 0)); err == nil {
		t.Fatal("zero quantity accepted")
	}
}

// A YAML catalog with a high-priority reject rule overrides the built-ins.
func TestCatalogLoadAndPriority(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	catalog := `rules:
  - name: block-restricted-client
    priority: 200
    status: ACTIVE
    condition:
      clients: ["CP-RESTRICTED"]
    action:
      decision: REJECT
      reason: RULE_BLOCKED
      terminal: true
  - name: auto-approve-small
    priority: 100
    status: ACTIVE
    condition:
      max_quantity: "20000"
      min_inventory_ratio: 2.0
    action:
      decision: APPROVE
      terminal: true
  - name: disabled-approve-all
    priority: 300
    status: RETIRED
    action:
      decision: APPROVE
      terminal: true
`
	if err := os.WriteFile(filepath.Join(dir, "locate_rules.yaml"), []byte(catalog), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := NewCatalog(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := RuleContext{
		Security:  "SEC-EQ-001",
		Quantity:  decimal.NewFromInt(5000),
		Available: decimal.NewFromInt(15000),
		Now:       time.Now(),
	}

	blocked := base
	blocked.Client = "CP-RESTRICTED"
	out := rules.Evaluate(&blocked)
	if !out.Decided || out.Approve || out.Reason != types.ReasonRuleBlocked {
		t.Fatalf("restricted client outcome = %+v, want terminal reject", out)
	}

	ok := base
	ok.Client = "CP-00001"
	out = rules.Evaluate(&ok)
	if !out.Decided || !out.Approve {
		t.Fatalf("normal client outcome = %+v, want approve", out)
	}
}
