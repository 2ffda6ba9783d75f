package station

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Journal keeps the board across restarts. Save replaces the stored entry
// for the order.
type Journal interface {
	Save(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS board (
	order_id   TEXT PRIMARY KEY,
	entry      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteJournal stores each board entry as one JSON row in a local file.
type SQLiteJournal struct {
	db *sql.DB
}

func OpenJournal(path string) (*SQLiteJournal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

func (j *SQLiteJournal) Save(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal board entry: %w", err)
	}
	const q = `
		INSERT INTO board (order_id, entry, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`
	if _, err := j.db.ExecContext(ctx, q, e.OrderID, string(b), e.UpdatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")); err != nil {
		return fmt.Errorf("sqlite: save board entry %q: %w", e.OrderID, err)
	}
	return nil
}

func (j *SQLiteJournal) Load(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT entry FROM board`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load board: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan board entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode board entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
