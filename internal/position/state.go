// state.go serializes the shard's position state for snapshots.
//
// The encoding is deterministic: map contents are emitted as slices sorted
// by key, so replaying the same log prefix always produces a byte-identical
// blob and therefore the same state hash.
package position

import (
	"encoding/json"
	"fmt"
	"sort"

	"ims-engine/pkg/types"
)

type effectRecord struct {
	EventID string      `json:"event_id"`
	Effect  tradeEffect `json:"effect"`
}

type sourceSeq struct {
	Source string `json:"source"`
	Seq    uint64 `json:"seq"`
}

type shardState struct {
	Positions []types.Position `json:"positions"`
	Effects   []effectRecord   `json:"effects"`
	Seen      []string         `json:"seen"`
	MaxSeq    []sourceSeq      `json:"max_seq"`
}

// MarshalState returns the deterministic snapshot blob for the shard.
func (e *Engine) MarshalState() ([]byte, error) {
	st := shardState{
		Positions: make([]types.Position, 0, len(e.positions)),
		Effects:   make([]effectRecord, 0, len(e.effects)),
		Seen:      make([]string, 0, len(e.seen)),
		MaxSeq:    make([]sourceSeq, 0, len(e.maxSeq)),
	}
	for _, p := range e.positions {
		st.Positions = append(st.Positions, *p)
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		return st.Positions[i].Key.String() < st.Positions[j].Key.String()
	})
	for id, eff := range e.effects {
		st.Effects = append(st.Effects, effectRecord{EventID: id, Effect: eff})
	}
	sort.Slice(st.Effects, func(i, j int) bool { return st.Effects[i].EventID < st.Effects[j].EventID })
	for id := range e.seen {
		st.Seen = append(st.Seen, id)
	}
	sort.Strings(st.Seen)
	for src, seq := range e.maxSeq {
		st.MaxSeq = append(st.MaxSeq, sourceSeq{Source: src, Seq: seq})
	}
	sort.Slice(st.MaxSeq, func(i, j int) bool { return st.MaxSeq[i].Source < st.MaxSeq[j].Source })

	return json.Marshal(st)
}

// RestoreState replaces the engine's state with a snapshot blob.
func (e *Engine) RestoreState(blob []byte) error {
	var st shardState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("restore position state: %w", err)
	}
	e.positions = make(map[types.PositionKey]*types.Position, len(st.Positions))
	for i := range st.Positions {
		p := st.Positions[i]
		e.positions[p.Key] = &p
	}
	e.effects = make(map[string]tradeEffect, len(st.Effects))
	for _, r := range st.Effects {
		e.effects[r.EventID] = r.Effect
	}
	e.seen = make(map[string]struct{}, len(st.Seen))
	for _, id := range st.Seen {
		e.seen[id] = struct{}{}
	}
	e.maxSeq = make(map[string]uint64, len(st.MaxSeq))
	for _, s := range st.MaxSeq {
		e.maxSeq[s.Source] = s.Seq
	}
	return nil
}
