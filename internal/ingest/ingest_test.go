package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
)

func testIngestConfig() config.IngestConfig {
	cfg := config.Default().Ingest
	cfg.DedupWindow = 16
	cfg.ReorderWindow = 4
	cfg.ReorderMaxSkew = 50 * time.Millisecond
	return cfg
}

func tickEnvelope(t *testing.T, source string, seq uint64) []byte {
	t.Helper()
	env := events.NewEnvelope(events.TypeMarketPriceTick, source, "AAPL.O", "", seq, &events.MarketPriceTick{})
	data, err := events.Encode(&env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

// ————————————————————————————————————————————————————————————————
// dedup window

func TestDedupSeenAndEviction(t *testing.T) {
	t.Parallel()

	cache := newDedupCache(3)
	k := func(n uint64) events.DedupKey { return events.DedupKey{Source: "X", Sequence: n} }

	if cache.Seen(k(1)) {
		t.Fatal("fresh key reported as seen")
	}
	if !cache.Seen(k(1)) {
		t.Fatal("repeat key not reported as seen")
	}

	cache.Seen(k(2))
	cache.Seen(k(3))
	cache.Seen(k(4)) // evicts 1, the least recently used

	if cache.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", cache.Len())
	}
	if cache.Seen(k(1)) {
		t.Fatal("evicted key still reported as seen")
	}
}

func TestDedupTouchRefreshesRecency(t *testing.T) {
	t.Parallel()

	cache := newDedupCache(2)
	k := func(n uint64) events.DedupKey { return events.DedupKey{Source: "X", Sequence: n} }

	cache.Seen(k(1))
	cache.Seen(k(2))
	cache.Seen(k(1)) // touch; 2 is now oldest
	cache.Seen(k(3)) // evicts 2

	if !cache.Seen(k(1)) {
		t.Fatal("touched key evicted")
	}
	if cache.Seen(k(2)) {
		t.Fatal("untouched key survived eviction")
	}
}

// ————————————————————————————————————————————————————————————————
// reorder buffer

func seqEnv(source string, seq uint64) *events.Envelope {
	env := events.NewEnvelope(events.TypeMarketPriceTick, source, "K", "", seq, &events.MarketPriceTick{})
	return &env
}

func seqsOf(envs []*events.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.VendorSequence
	}
	return out
}

func TestReorderInOrderPassesThrough(t *testing.T) {
	t.Parallel()

	buf := newReorderBuffer("X", 4, time.Second)
	now := time.Now()

	for seq := uint64(10); seq <= 12; seq++ {
		ready, gaps := buf.Offer(seqEnv("X", seq), now)
		if len(ready) != 1 || ready[0].VendorSequence != seq {
			t.Fatalf("seq %d: ready = %v", seq, seqsOf(ready))
		}
		if len(gaps) != 0 {
			t.Fatalf("seq %d: unexpected gaps %v", seq, gaps)
		}
	}
}

func TestReorderParksAndDrains(t *testing.T) {
	t.Parallel()

	buf := newReorderBuffer("X", 8, time.Second)
	now := time.Now()

	buf.Offer(seqEnv("X", 1), now)

	// 3 and 4 arrive before 2: both park.
	for _, seq := range []uint64{3, 4} {
		ready, gaps := buf.Offer(seqEnv("X", seq), now)
		if len(ready) != 0 || len(gaps) != 0 {
			t.Fatalf("seq %d should park, got ready=%v gaps=%v", seq, seqsOf(ready), gaps)
		}
	}
	if got := buf.parkedSeqs(); len(got) != 2 {
		t.Fatalf("parked = %v, want [3 4]", got)
	}

	// 2 closes the gap and drains 3 and 4.
	ready, gaps := buf.Offer(seqEnv("X", 2), now)
	if len(gaps) != 0 {
		t.Fatalf("unexpected gaps %v", gaps)
	}
	want := []uint64{2, 3, 4}
	got := seqsOf(ready)
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestReorderAbandonsOnWindowOverflow(t *testing.T) {
	t.Parallel()

	buf := newReorderBuffer("X", 2, time.Second)
	now := time.Now()

	buf.Offer(seqEnv("X", 1), now)
	buf.Offer(seqEnv("X", 5), now)
	buf.Offer(seqEnv("X", 6), now)

	// Third parked envelope exceeds the window: abandon the 2..4 gap.
	ready, gaps := buf.Offer(seqEnv("X", 7), now)
	if len(gaps) != 1 || gaps[0].FromSeq != 2 || gaps[0].ToSeq != 4 {
		t.Fatalf("gaps = %v, want one gap 2..4", gaps)
	}
	got := seqsOf(ready)
	want := []uint64{5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("ready = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ready = %v, want %v", got, want)
		}
	}
}

func TestReorderExpiresOnSkew(t *testing.T) {
	t.Parallel()

	skew := 100 * time.Millisecond
	buf := newReorderBuffer("X", 8, skew)
	start := time.Now()

	buf.Offer(seqEnv("X", 1), start)
	buf.Offer(seqEnv("X", 3), start)

	if ready, gaps := buf.Expire(start.Add(skew / 2)); len(ready) != 0 || len(gaps) != 0 {
		t.Fatal("expired before skew budget elapsed")
	}

	ready, gaps := buf.Expire(start.Add(2 * skew))
	if len(gaps) != 1 || gaps[0].FromSeq != 2 || gaps[0].ToSeq != 2 {
		t.Fatalf("gaps = %v, want one gap 2..2", gaps)
	}
	if len(ready) != 1 || ready[0].VendorSequence != 3 {
		t.Fatalf("ready = %v, want [3]", seqsOf(ready))
	}
}

func TestReorderLateStragglerFlagged(t *testing.T) {
	t.Parallel()

	buf := newReorderBuffer("X", 8, time.Second)
	now := time.Now()

	buf.Offer(seqEnv("X", 5), now)

	// 3 arrives after the buffer anchored past it: delivered anyway, flagged.
	ready, gaps := buf.Offer(seqEnv("X", 3), now)
	if len(ready) != 1 || ready[0].VendorSequence != 3 {
		t.Fatalf("ready = %v, want [3]", seqsOf(ready))
	}
	if len(gaps) != 1 || gaps[0].FromSeq != 3 || gaps[0].ToSeq != 3 {
		t.Fatalf("gaps = %v, want single-seq gap at 3", gaps)
	}
}

// ————————————————————————————————————————————————————————————————
// router

type fakeAdapter struct {
	source  string
	records [][]byte
	idx     int

	mu        sync.Mutex
	committed []uint64
}

func (a *fakeAdapter) Source() string { return a.source }

func (a *fakeAdapter) Next(ctx context.Context) (Raw, error) {
	if a.idx >= len(a.records) {
		<-ctx.Done()
		return Raw{}, ctx.Err()
	}
	raw := Raw{Data: a.records[a.idx], Offset: uint64(a.idx + 1), At: time.Now()}
	a.idx++
	return raw, nil
}

func (a *fakeAdapter) Commit(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = append(a.committed, offset)
	return nil
}

func (a *fakeAdapter) Subscribe([]string) error { return nil }
func (a *fakeAdapter) Close() error             { return nil }

type chanSink struct {
	ch chan *events.Envelope
}

func (s *chanSink) Offer(env *events.Envelope) error {
	s.ch <- env
	return nil
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	reasons []string
}

func (d *recordingDeadLetter) DeadLetter(source string, raw []byte, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, fmt.Sprintf("%s: %s", source, reason))
}

func (d *recordingDeadLetter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

func collect(t *testing.T, ch chan *events.Envelope, n int) []*events.Envelope {
	t.Helper()
	out := make([]*events.Envelope, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out with %d of %d envelopes", len(out), n)
		}
	}
	return out
}

func TestRouterDeliversAndDeduplicates(t *testing.T) {
	t.Parallel()

	rec1 := tickEnvelope(t, "REUTERS", 1)
	rec2 := tickEnvelope(t, "REUTERS", 2)
	adapter := &fakeAdapter{
		source:  "REUTERS",
		records: [][]byte{rec1, rec2, rec2}, // transport-level redelivery
	}
	sink := &chanSink{ch: make(chan *events.Envelope, 8)}
	dead := &recordingDeadLetter{}
	router := NewRouter(testIngestConfig(), sink, dead, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunAdapter(ctx, adapter)

	got := collect(t, sink.ch, 2)
	if got[0].VendorSequence != 1 || got[1].VendorSequence != 2 {
		t.Fatalf("delivered sequences %d, %d", got[0].VendorSequence, got[1].VendorSequence)
	}

	select {
	case env := <-sink.ch:
		t.Fatalf("duplicate delivered: seq %d", env.VendorSequence)
	case <-time.After(50 * time.Millisecond):
	}
	if dead.count() != 0 {
		t.Fatalf("dead letters = %d, want 0", dead.count())
	}
}

func TestRouterDeadLettersUndecodable(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		source: "MARKIT",
		records: [][]byte{
			[]byte(`{"not an envelope`),
			tickEnvelope(t, "MARKIT", 1),
		},
	}
	sink := &chanSink{ch: make(chan *events.Envelope, 8)}
	dead := &recordingDeadLetter{}
	router := NewRouter(testIngestConfig(), sink, dead, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunAdapter(ctx, adapter)

	got := collect(t, sink.ch, 1)
	if got[0].VendorSequence != 1 {
		t.Fatalf("delivered seq %d, want 1", got[0].VendorSequence)
	}
	if dead.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", dead.count())
	}

	// The poisoned record must be acknowledged so the feed does not wedge.
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.committed) == 0 || adapter.committed[0] != 1 {
		t.Fatalf("committed = %v, want first commit at offset 1", adapter.committed)
	}
}

func TestRouterEmitsGapMarkers(t *testing.T) {
	t.Parallel()

	cfg := testIngestConfig()
	cfg.ReorderWindow = 1
	adapter := &fakeAdapter{
		source: "BLOOMBERG",
		records: [][]byte{
			tickEnvelope(t, "BLOOMBERG", 1),
			tickEnvelope(t, "BLOOMBERG", 4), // parks
			tickEnvelope(t, "BLOOMBERG", 5), // overflows the window, abandons 2..3
		},
	}
	sink := &chanSink{ch: make(chan *events.Envelope, 8)}
	router := NewRouter(cfg, sink, &recordingDeadLetter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunAdapter(ctx, adapter)

	got := collect(t, sink.ch, 4) // seq 1, gap marker, seq 4, seq 5
	if got[0].VendorSequence != 1 {
		t.Fatalf("first delivery seq %d, want 1", got[0].VendorSequence)
	}
	if got[1].Type != events.TypeGapDetected {
		t.Fatalf("second delivery type %s, want GapDetected", got[1].Type)
	}
	gap := got[1].Payload.(*events.GapDetected)
	if gap.FromSeq != 2 || gap.ToSeq != 3 {
		t.Fatalf("gap %d..%d, want 2..3", gap.FromSeq, gap.ToSeq)
	}
	if got[2].VendorSequence != 4 || got[3].VendorSequence != 5 {
		t.Fatalf("resumed sequences %d, %d, want 4, 5", got[2].VendorSequence, got[3].VendorSequence)
	}
}

// A feed that goes quiet with an envelope parked must still flush it after
// the skew window; expiry cannot depend on the next record arriving.
func TestRouterExpiresReordersOnQuietFeed(t *testing.T) {
	t.Parallel()

	cfg := testIngestConfig()
	cfg.ReorderMaxSkew = 60 * time.Millisecond
	adapter := &fakeAdapter{
		source: "REUTERS",
		records: [][]byte{
			tickEnvelope(t, "REUTERS", 1),
			tickEnvelope(t, "REUTERS", 3), // parks waiting for 2, then the feed blocks
		},
	}
	sink := &chanSink{ch: make(chan *events.Envelope, 8)}
	router := NewRouter(cfg, sink, &recordingDeadLetter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunAdapter(ctx, adapter)

	got := collect(t, sink.ch, 3) // seq 1, then the sweeper flushes: gap marker, seq 3
	if got[0].VendorSequence != 1 {
		t.Fatalf("first delivery seq %d, want 1", got[0].VendorSequence)
	}
	if got[1].Type != events.TypeGapDetected {
		t.Fatalf("second delivery type %s, want GapDetected", got[1].Type)
	}
	gap := got[1].Payload.(*events.GapDetected)
	if gap.FromSeq != 2 || gap.ToSeq != 2 {
		t.Fatalf("gap %d..%d, want 2..2", gap.FromSeq, gap.ToSeq)
	}
	if got[2].VendorSequence != 3 {
		t.Fatalf("third delivery seq %d, want 3", got[2].VendorSequence)
	}
}

// ————————————————————————————————————————————————————————————————
// file adapter

func TestFileAdapterReplaysAndEOF(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/feed.jsonl"
	line1 := tickEnvelope(t, "RIMES", 1)
	line2 := tickEnvelope(t, "RIMES", 2)
	if err := writeLines(path, line1, line2); err != nil {
		t.Fatal(err)
	}

	adapter, err := NewFileAdapter("RIMES", path)
	if err != nil {
		t.Fatal(err)
	}
	defer adapter.Close()

	ctx := context.Background()
	for want := uint64(1); want <= 2; want++ {
		raw, err := adapter.Next(ctx)
		if err != nil {
			t.Fatalf("record %d: %v", want, err)
		}
		env, err := events.Decode(raw.Data)
		if err != nil {
			t.Fatalf("record %d decode: %v", want, err)
		}
		if env.VendorSequence != want {
			t.Fatalf("record %d has seq %d", want, env.VendorSequence)
		}
		if raw.Offset != want {
			t.Fatalf("record %d has offset %d", want, raw.Offset)
		}
	}

	if _, err := adapter.Next(ctx); err != io.EOF {
		t.Fatalf("exhausted feed returned %v, want io.EOF", err)
	}
}

func writeLines(path string, lines ...[]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
