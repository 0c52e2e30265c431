// sink.go is the SQLite projection sink: a Bus implementation that persists
// derived rows so read-only queries and the inspect CLI work without the
// engine running. Upserts are guarded by version so redelivered batches
// (at-least-once bus) are idempotent. The sink doubles as the ingest
// dead-letter store.
package publish

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"ims-engine/internal/events"
	"ims-engine/pkg/types"
)

// Sink persists derived events into SQLite.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

const sinkSchema = `
CREATE TABLE IF NOT EXISTS positions (
	book TEXT NOT NULL,
	security TEXT NOT NULL,
	date TEXT NOT NULL,
	contractual_qty TEXT NOT NULL,
	settled_qty TEXT NOT NULL,
	projected_position TEXT NOT NULL,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (book, security, date)
);
CREATE TABLE IF NOT EXISTS inventory (
	security TEXT NOT NULL,
	date TEXT NOT NULL,
	calc_type TEXT NOT NULL,
	quantity TEXT NOT NULL,
	included TEXT NOT NULL,
	excluded TEXT NOT NULL,
	excluded_borrowed INTEGER NOT NULL DEFAULT 0,
	cutoff_applied INTEGER NOT NULL DEFAULT 0,
	quanto_handled INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (security, date, calc_type)
);
CREATE TABLE IF NOT EXISTS limits (
	kind TEXT NOT NULL,
	entity TEXT NOT NULL,
	security TEXT NOT NULL,
	date TEXT NOT NULL,
	long_sell_limit TEXT NOT NULL,
	short_sell_limit TEXT NOT NULL,
	long_sell_used TEXT NOT NULL,
	short_sell_used TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, entity, security, date)
);
CREATE TABLE IF NOT EXISTS validations (
	validation_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	security TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	error_code TEXT,
	processing_us INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS locates (
	locate_id TEXT PRIMARY KEY,
	security TEXT NOT NULL,
	client TEXT NOT NULL,
	state TEXT NOT NULL,
	quantity TEXT NOT NULL,
	reason TEXT,
	reservation_id TEXT,
	expires_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS markers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	key TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	raw BLOB NOT NULL,
	reason TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// OpenSink opens (or creates) the projection database.
func OpenSink(path string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open projection sink: %w", err)
	}
	// The sink is written by one goroutine; a single connection avoids
	// SQLITE_BUSY between upserts and reads.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sinkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sink schema: %w", err)
	}
	return &Sink{db: db, logger: logger.With("component", "sink")}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Publish persists one batch transactionally.
func (s *Sink) Publish(batch []*events.Envelope) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sink begin: %w", err)
	}
	for _, env := range batch {
		if err := s.apply(tx, env); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink commit: %w", err)
	}
	return nil
}

func (s *Sink) apply(tx *sql.Tx, env *events.Envelope) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch p := env.Payload.(type) {
	case *events.PositionChanged:
		pos := p.Position
		_, err := tx.Exec(`
			INSERT INTO positions (book, security, date, contractual_qty, settled_qty, projected_position, status, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (book, security, date) DO UPDATE SET
				contractual_qty = excluded.contractual_qty,
				settled_qty = excluded.settled_qty,
				projected_position = excluded.projected_position,
				status = excluded.status,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE excluded.version > positions.version`,
			pos.Key.Book, pos.Key.Security, pos.Key.Date,
			pos.ContractualQty.String(), pos.SettledQty.String(),
			pos.ProjectedPosition().String(), pos.Status, pos.Version, now)
		return err

	case *events.InventoryChanged:
		av := p.Availability
		_, err := tx.Exec(`
			INSERT INTO inventory (security, date, calc_type, quantity, included, excluded, excluded_borrowed, cutoff_applied, quanto_handled, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (security, date, calc_type) DO UPDATE SET
				quantity = excluded.quantity,
				included = excluded.included,
				excluded = excluded.excluded,
				excluded_borrowed = excluded.excluded_borrowed,
				cutoff_applied = excluded.cutoff_applied,
				quanto_handled = excluded.quanto_handled,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE excluded.version > inventory.version`,
			av.Security, av.Date, av.Type,
			av.Quantity.String(), av.Included.String(), av.Excluded.String(),
			boolInt(av.ExcludedBorrowedShares), boolInt(av.SettlementCutoffApplied), boolInt(av.QuantoSettlementHandled),
			av.Version, now)
		return err

	case *events.LimitChanged:
		l := p.Limit
		_, err := tx.Exec(`
			INSERT INTO limits (kind, entity, security, date, long_sell_limit, short_sell_limit, long_sell_used, short_sell_used, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, entity, security, date) DO UPDATE SET
				long_sell_limit = excluded.long_sell_limit,
				short_sell_limit = excluded.short_sell_limit,
				long_sell_used = excluded.long_sell_used,
				short_sell_used = excluded.short_sell_used,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE excluded.version > limits.version`,
			l.Key.Kind, l.Key.Entity, l.Key.Security, l.Key.Date,
			l.LongSellLimit.String(), l.ShortSellLimit.String(),
			l.LongSellUsed.String(), l.ShortSellUsed.String(), l.Version, now)
		return err

	case *events.OrderValidated:
		v := p.Validation
		_, err := tx.Exec(`
			INSERT INTO validations (validation_id, order_id, security, status, reason, error_code, processing_us, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (validation_id) DO NOTHING`,
			v.ValidationID, v.OrderID, v.Security, v.Status, v.Reason, v.ErrorCode,
			v.ProcessingTime.Microseconds(), now)
		return err

	case *events.LocateDecided:
		// Resubmitted verdicts only move the decision fields; the request
		// identity columns stay as first written.
		_, err := tx.Exec(`
			INSERT INTO locates (locate_id, security, client, state, quantity, reason, reservation_id, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
			ON CONFLICT (locate_id) DO UPDATE SET
				state = excluded.state,
				reason = excluded.reason,
				reservation_id = excluded.reservation_id,
				updated_at = excluded.updated_at`,
			p.LocateID, p.Security, p.Client, p.State, p.Quantity.String(),
			p.Reason, p.ReservationID, now)
		return err

	case *events.PositionDrift, *events.PositionInvalid, *events.GapDetected, *events.LateSettlement:
		blob, err := json.Marshal(env.Payload)
		if err != nil {
			return fmt.Errorf("marshal marker: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO markers (event_type, key, payload, created_at) VALUES (?, ?, ?, ?)`,
			env.Type, env.Key, string(blob), now)
		return err

	default:
		// Non-projected type on the bus; ignore.
		return nil
	}
}

// DeadLetter stores an undecodable record for operator inspection.
// Implements the ingest router's dead-letter contract.
func (s *Sink) DeadLetter(source string, raw []byte, reason string) {
	_, err := s.db.Exec(`INSERT INTO dead_letters (source, raw, reason, created_at) VALUES (?, ?, ?, ?)`,
		source, raw, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.logger.Error("dead letter write failed", "source", source, "error", err)
	}
}

// DeadLetterCount reports stored dead letters.
func (s *Sink) DeadLetterCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

// MarkerCount reports stored data-quality markers of one event type.
func (s *Sink) MarkerCount(eventType events.EventType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM markers WHERE event_type = ?`, eventType).Scan(&n)
	return n, err
}

// PositionRow is the persisted projection of one position.
type PositionRow struct {
	Book              string
	Security          string
	Date              string
	ContractualQty    string
	SettledQty        string
	ProjectedPosition string
	Status            string
	Version           uint64
}

// QueryPosition reads one projected position row.
func (s *Sink) QueryPosition(book types.BookID, security types.SecurityID, date types.BusinessDate) (*PositionRow, error) {
	var row PositionRow
	err := s.db.QueryRow(`
		SELECT book, security, date, contractual_qty, settled_qty, projected_position, status, version
		FROM positions WHERE book = ? AND security = ? AND date = ?`,
		book, security, date).
		Scan(&row.Book, &row.Security, &row.Date, &row.ContractualQty, &row.SettledQty,
			&row.ProjectedPosition, &row.Status, &row.Version)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InventoryRow is the persisted projection of one availability row.
type InventoryRow struct {
	Security string
	Date     string
	CalcType string
	Quantity string
	Version  uint64
}

// QueryInventory reads the availability rows for a security and date.
func (s *Sink) QueryInventory(security types.SecurityID, date types.BusinessDate) ([]InventoryRow, error) {
	rows, err := s.db.Query(`
		SELECT security, date, calc_type, quantity, version
		FROM inventory WHERE security = ? AND date = ? ORDER BY calc_type`,
		security, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InventoryRow
	for rows.Next() {
		var r InventoryRow
		if err := rows.Scan(&r.Security, &r.Date, &r.CalcType, &r.Quantity, &r.Version); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LimitRow is the persisted projection of one limit row.
type LimitRow struct {
	Kind           string
	Entity         string
	Security       string
	Date           string
	LongSellLimit  string
	ShortSellLimit string
	LongSellUsed   string
	ShortSellUsed  string
	Version        uint64
}

// QueryLimit reads one projected limit row.
func (s *Sink) QueryLimit(key types.LimitKey) (*LimitRow, error) {
	var row LimitRow
	err := s.db.QueryRow(`
		SELECT kind, entity, security, date, long_sell_limit, short_sell_limit, long_sell_used, short_sell_used, version
		FROM limits WHERE kind = ? AND entity = ? AND security = ? AND date = ?`,
		key.Kind, key.Entity, key.Security, key.Date).
		Scan(&row.Kind, &row.Entity, &row.Security, &row.Date,
			&row.LongSellLimit, &row.ShortSellLimit,
			&row.LongSellUsed, &row.ShortSellUsed, &row.Version)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// LocateRow is the persisted projection of one locate decision.
type LocateRow struct {
	LocateID      string
	Security      string
	Client        string
	State         string
	Quantity      string
	Reason        string
	ReservationID string
}

// QueryLocate reads one projected locate row.
func (s *Sink) QueryLocate(locateID string) (*LocateRow, error) {
	var row LocateRow
	err := s.db.QueryRow(`
		SELECT locate_id, security, client, state, quantity, reason, reservation_id
		FROM locates WHERE locate_id = ?`, locateID).
		Scan(&row.LocateID, &row.Security, &row.Client, &row.State,
			&row.Quantity, &row.Reason, &row.ReservationID)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
