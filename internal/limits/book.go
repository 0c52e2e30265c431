// Package limits implements the client and aggregation-unit limit book.
//
// A limit row carries the per-(entity, security, date) long/short sell
// limits and their intraday usage. Reserve is the only mutation on the hot
// path: it is atomic under the book lock, idempotent by reservation id, and
// either admits the full quantity or changes nothing. Release reverses a
// failed or cancelled reservation; Commit finalizes one, keeping the usage
// and dropping the reservation record.
package limits

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// InsufficientError reports a reserve or check that exceeds the remaining
// limit.
type InsufficientError struct {
	Key       types.LimitKey
	Remaining decimal.Decimal
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("limit %s insufficient: %s remaining", e.Key, e.Remaining)
}

type reservation struct {
	key       types.LimitKey
	orderType types.OrderType
	qty       decimal.Decimal
	committed bool
}

// Book holds one flavor's limit rows (client or aggregation unit decided by
// the keys fed in) with their open reservations.
type Book struct {
	logger *slog.Logger

	mu           sync.Mutex
	limits       map[types.LimitKey]*types.Limit
	reservations map[string]*reservation
}

// NewBook creates an empty limit book.
func NewBook(logger *slog.Logger) *Book {
	return &Book{
		logger:       logger.With("component", "limits"),
		limits:       make(map[types.LimitKey]*types.Limit),
		reservations: make(map[string]*reservation),
	}
}

// Get returns a copy of a limit row.
func (b *Book) Get(key types.LimitKey) (types.Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limits[key]
	if !ok {
		return types.Limit{}, false
	}
	return *l, true
}

// Override sets absolute limit values, creating the row if needed. Usage
// counters are preserved; a lowered limit can leave used > limit, which
// blocks further reserves but is not retroactively rejected.
func (b *Book) Override(key types.LimitKey, longSell, shortSell decimal.Decimal) types.Limit {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lookupLocked(key)
	l.LongSellLimit = longSell
	l.ShortSellLimit = shortSell
	l.Version++
	return *l
}

// Check is the read-only admission test.
func (b *Book) Check(key types.LimitKey, orderType types.OrderType, qty decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limits[key]
	if !ok {
		return &InsufficientError{Key: key, Remaining: decimal.Zero}
	}
	limit, used := l.Bucket(orderType)
	if used.Add(qty).GreaterThan(limit) {
		return &InsufficientError{Key: key, Remaining: limit.Sub(used)}
	}
	return nil
}

// Reserve atomically admits qty against the limit. Retrying with the same
// reservation id returns the current row without double-counting.
func (b *Book) Reserve(key types.LimitKey, orderType types.OrderType, qty decimal.Decimal, reservationID string) (types.Limit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.reservations[reservationID]; ok {
		return *b.limits[r.key], nil
	}

	l, ok := b.limits[key]
	if !ok {
		return types.Limit{}, &InsufficientError{Key: key, Remaining: decimal.Zero}
	}
	limit, used := l.Bucket(orderType)
	if used.Add(qty).GreaterThan(limit) {
		return types.Limit{}, &InsufficientError{Key: key, Remaining: limit.Sub(used)}
	}

	l.SetUsed(orderType, used.Add(qty))
	l.Version++
	b.reservations[reservationID] = &reservation{key: key, orderType: orderType, qty: qty}
	return *l, nil
}

// Release reverses an uncommitted reservation. Unknown or already-committed
// ids are no-ops, making compensation paths safe to retry.
func (b *Book) Release(reservationID string) (types.Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[reservationID]
	if !ok || r.committed {
		return types.Limit{}, false
	}
	l := b.limits[r.key]
	_, used := l.Bucket(r.orderType)
	next := used.Sub(r.qty)
	if next.IsNegative() {
		b.logger.Warn("release drove usage negative, clamped", "key", r.key.String(), "reservation", reservationID)
		next = decimal.Zero
	}
	l.SetUsed(r.orderType, next)
	l.Version++
	delete(b.reservations, reservationID)
	return *l, true
}

// Commit finalizes a reservation: the usage stays, the record is dropped so
// a later Release cannot reverse it.
func (b *Book) Commit(reservationID string) (types.Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[reservationID]
	if !ok {
		return types.Limit{}, false
	}
	l := b.limits[r.key]
	l.Version++
	delete(b.reservations, reservationID)
	return *l, true
}

// OpenReservations reports the number of outstanding reservations.
func (b *Book) OpenReservations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reservations)
}

func (b *Book) lookupLocked(key types.LimitKey) *types.Limit {
	l, ok := b.limits[key]
	if !ok {
		l = &types.Limit{Key: key, Status: "ACTIVE"}
		b.limits[key] = l
	}
	return l
}
