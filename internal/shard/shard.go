// shard.go is the single-writer loop for one partition: journal append,
// engine apply, snapshot cadence, and crash recovery.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ims-engine/internal/config"
	"ims-engine/internal/events"
	"ims-engine/internal/journal"
	"ims-engine/internal/position"
)

// Shard runs one partition. All state behind it (engine, journal, snapshot
// counters) is touched only by its own loop goroutine.
type Shard struct {
	id        int
	cfg       config.Config
	queue     chan *events.Envelope
	priority  chan *events.Envelope
	engine    *position.Engine
	log       *journal.Log
	snaps     *journal.SnapshotStore
	observer  Observer
	logger    *slog.Logger
	onDequeue func()

	sinceSnapshot int
}

func newShard(id int, cfg config.Config, observer Observer, logger *slog.Logger) *Shard {
	return &Shard{
		id:       id,
		cfg:      cfg,
		queue:    make(chan *events.Envelope, cfg.Shards.QueueCapacity),
		priority: make(chan *events.Envelope, priorityLaneCapacity),
		engine:   position.NewEngine(id, logger),
		observer: observer,
		logger:   logger.With("component", "shard", "shard", id),
	}
}

// Engine exposes the shard's state machine for offline inspection. Only safe
// while the loop is not running.
func (s *Shard) Engine() *position.Engine { return s.engine }

// recover loads the newest snapshot and replays the journal suffix. Derived
// events from replayed envelopes are discarded; downstream consumers already
// saw them before the crash.
func (s *Shard) recover() error {
	snaps, err := journal.NewSnapshotStore(s.cfg.Journal.Dir, s.id)
	if err != nil {
		return err
	}
	s.snaps = snaps

	var from uint64
	manifest, state, err := snaps.Latest()
	if err != nil {
		return err
	}
	if manifest != nil {
		if err := s.engine.RestoreState(state); err != nil {
			return fmt.Errorf("restore snapshot seq %d: %w", manifest.Seq, err)
		}
		from = manifest.Seq
	}

	var replayed int
	err = journal.Replay(s.cfg.Journal.Dir, s.id, from, func(seq uint64, raw []byte) error {
		env, err := events.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode journal seq %d: %w", seq, err)
		}
		if positionEvent(env.Type) {
			if _, err := s.engine.Apply(env); err != nil {
				return fmt.Errorf("replay seq %d: %w", seq, err)
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	s.log, err = journal.OpenLog(s.cfg.Journal.Dir, s.id)
	if err != nil {
		return err
	}
	if manifest != nil || replayed > 0 {
		s.logger.Info("recovered", "snapshot_seq", from, "replayed", replayed, "journal_seq", s.log.Seq())
	}
	return nil
}

// run consumes the shard's queues until ctx is done. The priority lane is
// always drained ahead of the main queue.
func (s *Shard) run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Journal.SnapshotEverySecs)
	defer ticker.Stop()
	defer s.log.Close()

	for {
		// Priority lane first, without blocking on it.
		select {
		case env := <-s.priority:
			if err := s.handle(env); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.snapshot()
			return ctx.Err()
		case env := <-s.priority:
			if err := s.handle(env); err != nil {
				return err
			}
		case env := <-s.queue:
			if err := s.handle(env); err != nil {
				return err
			}
		case <-ticker.C:
			if s.sinceSnapshot > 0 {
				s.snapshot()
			}
		}
	}
}

// handle journals one envelope, applies it, and fans out derived events.
// Only position.ErrOverflow is fatal; it halts the shard rather than let
// corrupt arithmetic propagate.
func (s *Shard) handle(env *events.Envelope) error {
	if s.onDequeue != nil {
		s.onDequeue()
	}

	raw, err := events.Encode(env)
	if err != nil {
		s.logger.Error("unencodable envelope dropped", "event_id", env.EventID, "error", err)
		return nil
	}
	if _, err := s.log.Append(raw); err != nil {
		return fmt.Errorf("shard %d journal: %w", s.id, err)
	}

	var derived []position.Event
	if positionEvent(env.Type) {
		derived, err = s.engine.Apply(env)
		if err != nil {
			if errors.Is(err, position.ErrOverflow) {
				return fmt.Errorf("shard %d halted: %w", s.id, err)
			}
			s.logger.Warn("apply failed, event skipped", "event_id", env.EventID, "type", env.Type, "error", err)
			return nil
		}
	}
	if s.observer != nil {
		s.observer.Applied(s.id, env, derived)
	}

	s.sinceSnapshot++
	if s.sinceSnapshot >= s.cfg.Journal.SnapshotEveryEvents {
		s.snapshot()
	}
	return nil
}

// positionEvent reports whether the type mutates the position state
// machine. Everything else is journaled and handed to the observer only.
func positionEvent(t events.EventType) bool {
	switch t {
	case events.TypeTradeCreated, events.TypeTradeAmended, events.TypeTradeCancelled,
		events.TypePositionSnapshot, events.TypeSettlementAdvance:
		return true
	}
	return false
}

// snapshot persists the engine state at the current journal sequence.
// Failures are logged, not fatal: the journal still covers the state.
func (s *Shard) snapshot() {
	state, err := s.engine.MarshalState()
	if err != nil {
		s.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	m, err := s.snaps.Write(s.log.Seq(), state)
	if err != nil {
		s.logger.Error("snapshot write failed", "error", err)
		return
	}
	s.sinceSnapshot = 0
	s.logger.Info("snapshot written", "seq", m.Seq, "hash", m.StateHash[:12])
}
