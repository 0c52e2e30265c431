// Package ingest normalizes raw vendor feeds into the canonical event
// stream.
//
// Each vendor adapter produces raw records with a stable per-source
// sequence. The router decodes them into envelopes, drops duplicates through
// a bounded LRU window, restores per-source sequence order through a small
// reorder buffer, and hands the result to the shard dispatcher. Transport
// errors back off exponentially with jitter; undecodable records go to the
// dead-letter sink and never block the live stream.
package ingest

import (
	"context"
	"time"
)

// Raw is one record from a vendor transport, before normalization.
type Raw struct {
	Data   []byte
	Offset uint64
	At     time.Time
}

// Adapter is the per-vendor transport contract. Implementations must return
// a stable, monotonically increasing Offset per source so the router can
// commit progress and deduplicate across restarts.
type Adapter interface {
	// Source names the vendor, e.g. "REUTERS". Used for priority merge and
	// deduplication.
	Source() string
	// Next blocks for the next record. It returns ctx.Err() on cancellation
	// and transport errors otherwise; the router retries with backoff.
	Next(ctx context.Context) (Raw, error)
	// Commit acknowledges processing up to and including offset.
	Commit(offset uint64) error
	// Subscribe narrows the feed to the given symbols where the transport
	// supports it; others may ignore it.
	Subscribe(symbols []string) error
	// Close releases the transport.
	Close() error
}
