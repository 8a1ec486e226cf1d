// Package history records completed prompts. The session core only
// depends on the Recorder interface; the sqlite implementation here
// is the default sink.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// PreviewLen caps the stored response preview.
const PreviewLen = 500

// Recorder receives one record per completed prompt.
type Recorder interface {
	Record(ctx context.Context, session, prompt, responsePreview string) error
}

// Nop discards all records.
type Nop struct{}

func (Nop) Record(ctx context.Context, session, prompt, responsePreview string) error {
	return nil
}

// Entry is one stored prompt record.
type Entry struct {
	ID              int64     `json:"id"`
	Session         string    `json:"session"`
	Prompt          string    `json:"prompt"`
	ResponsePreview string    `json:"response_preview"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is a sqlite-backed Recorder.
type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS prompts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session          TEXT NOT NULL,
	prompt           TEXT NOT NULL,
	response_preview TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session);
CREATE INDEX IF NOT EXISTS idx_prompts_created_at ON prompts(created_at);
`

// dsnWithPragmas applies WAL and busy_timeout per connection; the
// driver applies DSN pragmas to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, session, prompt, responsePreview string) error {
	if len(responsePreview) > PreviewLen {
		responsePreview = responsePreview[:PreviewLen]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (session, prompt, response_preview, created_at) VALUES (?, ?, ?, ?)`,
		session, prompt, responsePreview, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting prompt record: %w", err)
	}
	return nil
}

// List returns the most recent entries for a session, newest first.
func (s *Store) List(ctx context.Context, session string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session, prompt, response_preview, created_at
		 FROM prompts WHERE session = ? ORDER BY id DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing prompt records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Session, &e.Prompt, &e.ResponsePreview, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning prompt record: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating prompt records: %w", err)
	}
	return entries, nil
}

// Preview truncates a response for recording, collapsing newlines so
// previews stay single-line.
func Preview(response string) string {
	preview := strings.ReplaceAll(response, "\n", " ")
	if len(preview) > PreviewLen {
		preview = preview[:PreviewLen]
	}
	return preview
}
