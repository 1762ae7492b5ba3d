package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spool (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	spooled_at TEXT    NOT NULL,
	cause      TEXT    NOT NULL DEFAULT '',
	body       BLOB    NOT NULL
)`

// Spooled is one record waiting for redelivery.
type Spooled struct {
	ID        int64
	SpooledAt time.Time
	Cause     string
	Record    Record
}

// Spool holds records the primary sink could not accept. Rows are
// CBOR-encoded records in a local SQLite database, redelivered in
// insertion order.
type Spool struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultSpoolPath returns ~/.elevator/audit-spool.db.
func DefaultSpoolPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".elevator", "audit-spool.db")
	}
	return filepath.Join(home, ".elevator", "audit-spool.db")
}

// OpenSpool opens (or creates) the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit spool: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit spool: open: %w", err)
	}
	// Single writer; also keeps every statement on the same connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		spoolSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit spool: init: %w", err)
		}
	}
	return &Spool{db: db, now: time.Now}, nil
}

// Put stores r with the delivery error that sent it here.
func (s *Spool) Put(ctx context.Context, r Record, cause error) error {
	body, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit spool: encode: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO spool (spooled_at, cause, body) VALUES (?, ?, ?)",
		s.now().UTC().Format(time.RFC3339Nano), msg, body)
	if err != nil {
		return fmt.Errorf("audit spool: insert: %w", err)
	}
	return nil
}

// Pending returns up to limit spooled records, oldest first. A limit of
// zero or less returns all of them.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Spooled, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, spooled_at, cause, body FROM spool ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("audit spool: query: %w", err)
	}
	defer rows.Close()

	var out []Spooled
	for rows.Next() {
		var (
			item Spooled
			at   string
			body []byte
		)
		if err := rows.Scan(&item.ID, &at, &item.Cause, &body); err != nil {
			return nil, fmt.Errorf("audit spool: scan: %w", err)
		}
		if err := decMode.Unmarshal(body, &item.Record); err != nil {
			return nil, fmt.Errorf("audit spool: decode row %d: %w", item.ID, err)
		}
		item.SpooledAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, item)
	}
	return out, rows.Err()
}

// Delete removes a redelivered row.
func (s *Spool) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM spool WHERE id = ?", id); err != nil {
		return fmt.Errorf("audit spool: delete: %w", err)
	}
	return nil
}

// Len returns the number of spooled rows.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM spool").Scan(&n); err != nil {
		return 0, fmt.Errorf("audit spool: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}
