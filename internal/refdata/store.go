// Package refdata maintains the security master: the merged view of
// reference data across vendors.
//
// Each field of a security remembers which source last set it and when.
// A lower-priority source may only overwrite a field when the higher-priority
// source has no value, or when its value is older than the staleness window.
// Securities are never removed; status transitions mark them INACTIVE or
// DELETED. The store is read-mostly and safe for concurrent use.
package refdata

import (
	"log/slog"
	"sync"
	"time"

	"ims-engine/pkg/types"
)

// Field names tracked for per-source merge.
const (
	fieldMarket   = "market"
	fieldType     = "type"
	fieldIssuer   = "issuer"
	fieldCurrency = "currency"
	fieldStatus   = "status"
)

type origin struct {
	rank int
	at   time.Time
}

type entry struct {
	sec     types.Security
	origins map[string]origin
}

// Store is the merged security master.
type Store struct {
	mu         sync.RWMutex
	rank       map[string]int // source → priority rank, 0 highest
	staleness  time.Duration
	securities map[types.SecurityID]*entry
	byIdent    map[types.IdentifierType]map[string]types.SecurityID
	logger     *slog.Logger
}

// NewStore builds a store with the given source priority order (highest
// first) and staleness window.
func NewStore(priority []string, staleness time.Duration, logger *slog.Logger) *Store {
	rank := make(map[string]int, len(priority))
	for i, src := range priority {
		rank[src] = i
	}
	return &Store{
		rank:       rank,
		staleness:  staleness,
		securities: make(map[types.SecurityID]*entry),
		byIdent:    make(map[types.IdentifierType]map[string]types.SecurityID),
		logger:     logger.With("component", "refdata"),
	}
}

// sourceRank returns the source's priority; unknown sources rank below every
// configured one.
func (s *Store) sourceRank(source string) int {
	if r, ok := s.rank[source]; ok {
		return r
	}
	return len(s.rank)
}

// Upsert merges a partial security update from one source. Empty incoming
// fields are ignored. Returns the merged security and whether anything
// changed.
func (s *Store) Upsert(source string, at time.Time, incoming types.Security) (types.Security, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.securities[incoming.InternalID]
	if !ok {
		e = &entry{
			sec: types.Security{
				InternalID:  incoming.InternalID,
				Identifiers: make(map[types.IdentifierType]string),
				Status:      types.SecurityActive,
			},
			origins: make(map[string]origin),
		}
		s.securities[incoming.InternalID] = e
	}

	rank := s.sourceRank(source)
	changed := false

	merge := func(field string, incoming string, current *string) {
		if incoming == "" {
			return
		}
		if !s.acceptLocked(e, field, rank, at) {
			return
		}
		if *current != incoming {
			*current = incoming
			changed = true
		}
		e.origins[field] = origin{rank: rank, at: at}
	}

	market := string(incoming.Market)
	cur := string(e.sec.Market)
	merge(fieldMarket, market, &cur)
	e.sec.Market = types.Market(cur)

	merge(fieldType, incoming.Type, &e.sec.Type)
	merge(fieldIssuer, incoming.Issuer, &e.sec.Issuer)
	merge(fieldCurrency, incoming.Currency, &e.sec.Currency)

	status := string(incoming.Status)
	curStatus := string(e.sec.Status)
	merge(fieldStatus, status, &curStatus)
	e.sec.Status = types.SecurityStatus(curStatus)

	for identType, value := range incoming.Identifiers {
		if value == "" {
			continue
		}
		field := "ident." + string(identType)
		if !s.acceptLocked(e, field, rank, at) {
			continue
		}
		if e.sec.Identifiers[identType] != value {
			if old := e.sec.Identifiers[identType]; old != "" {
				delete(s.byIdent[identType], old)
			}
			e.sec.Identifiers[identType] = value
			changed = true
		}
		e.origins[field] = origin{rank: rank, at: at}
		if s.byIdent[identType] == nil {
			s.byIdent[identType] = make(map[string]types.SecurityID)
		}
		s.byIdent[identType][value] = incoming.InternalID
	}

	return copySecurity(&e.sec), changed
}

// acceptLocked decides whether a source of the given rank may write a field.
func (s *Store) acceptLocked(e *entry, field string, rank int, at time.Time) bool {
	o, ok := e.origins[field]
	if !ok {
		return true
	}
	if rank <= o.rank {
		return true
	}
	// Lower priority: only when the better source's value has gone stale.
	return at.Sub(o.at) > s.staleness
}

// Get returns the merged security for an internal id.
func (s *Store) Get(id types.SecurityID) (types.Security, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.securities[id]
	if !ok {
		return types.Security{}, false
	}
	return copySecurity(&e.sec), true
}

// Resolve maps a vendor identifier to the internal id.
func (s *Store) Resolve(t types.IdentifierType, value string) (types.SecurityID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdent[t][value]
	return id, ok
}

// Market returns the security's market code, or empty when unknown.
func (s *Store) Market(id types.SecurityID) types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.securities[id]; ok {
		return e.sec.Market
	}
	return ""
}

// Active reports whether the security exists and is tradeable.
func (s *Store) Active(id types.SecurityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.securities[id]
	return ok && e.sec.Status == types.SecurityActive
}

func copySecurity(sec *types.Security) types.Security {
	out := *sec
	out.Identifiers = make(map[types.IdentifierType]string, len(sec.Identifiers))
	for k, v := range sec.Identifiers {
		out.Identifiers[k] = v
	}
	return out
}
