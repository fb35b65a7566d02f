package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds the gateway's idempotency cache, audit log and the local
// mirror of the node event log.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc serialises writers per connection; one connection keeps
	// in-memory databases shared across callers.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            principal TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(principal, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            request_id TEXT,
            principal TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            height INTEGER NOT NULL,
            tx_hash TEXT,
            escrow_id TEXT,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow ON events(escrow_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            principal TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS webhooks_event ON webhooks(event_type, active);`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for (principal, key), nil when
// the key is unused, or ErrIdempotencyMismatch when the body differs.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, principal, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE principal = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, principal, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, principal, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(principal, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, principal, key, requestHash, status, body, s.now().UTC())
	return err
}

// PruneIdempotency drops cached responses older than the cutoff.
func (s *SQLiteStore) PruneIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	RequestID      string
	Principal      string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	const stmt = `INSERT INTO audit_log(request_id, principal, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.RequestID, entry.Principal, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp.UTC())
	return err
}

// RecentAudit returns the newest audit entries first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT request_id, principal, method, path, request_body, response_status, response_body, occurred_at FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var requestID, principal sql.NullString
		if err := rows.Scan(&requestID, &principal, &entry.Method, &entry.Path, &entry.RequestBody, &entry.ResponseStatus, &entry.ResponseBody, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.RequestID = requestID.String
		entry.Principal = principal.String
		out = append(out, entry)
	}
	return out, rows.Err()
}

// StoredEvent is one mirrored node event.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	TxHash     string            `json:"txHash,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"mirroredAt"`
}

// InsertEvents writes a batch of events and advances the cursor in one
// transaction. Events at or below the current cursor are ignored.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []StoredEvent) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	cursor, err := lastSequence(ctx, tx)
	if err != nil {
		return 0, err
	}
	const stmt = `INSERT OR IGNORE INTO events(sequence, type, height, tx_hash, escrow_id, attributes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, evt := range events {
		if evt.Sequence <= cursor {
			continue
		}
		attrs, err := json.Marshal(evt.Attributes)
		if err != nil {
			return 0, fmt.Errorf("encode attributes for event %d: %w", evt.Sequence, err)
		}
		created := evt.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := tx.ExecContext(ctx, stmt, int64(evt.Sequence), evt.Type, int64(evt.Height), evt.TxHash, evt.Attributes["id"], string(attrs), created.UTC()); err != nil {
			return 0, err
		}
		cursor = evt.Sequence
	}
	const upsert = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, upsert, int64(cursor)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return cursor, nil
}

// LastEventSequence returns the highest mirrored sequence, zero when empty.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	return lastSequence(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastSequence(ctx context.Context, q queryer) (uint64, error) {
	var value int64
	err := q.QueryRowContext(ctx, `SELECT value FROM event_cursors WHERE name = 'events'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(value), nil
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	After    uint64
	Limit    int
	Type     string
	EscrowID string
}

// ListEvents returns mirrored events in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]StoredEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `SELECT sequence, type, height, tx_hash, attributes, created_at FROM events WHERE sequence > ?`
	args := []any{int64(filter.After)}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.EscrowID != "" {
		query += ` AND escrow_id = ?`
		args = append(args, filter.EscrowID)
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var (
			evt    StoredEvent
			seq    int64
			height int64
			txHash sql.NullString
			attrs  string
		)
		if err := rows.Scan(&seq, &evt.Type, &height, &txHash, &attrs, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Sequence = uint64(seq)
		evt.Height = uint64(height)
		evt.TxHash = txHash.String
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for event %d: %w", evt.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
