// Package history persists delivered announcements in SQLite.
package history

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Entry is one stored announcement.
type Entry struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`
	Labels []string  `json:"labels"`
	At     time.Time `json:"at"`
}

// Store wraps the SQLite connection with serialised writes.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS announcements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '',
		announced_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_announcements_at ON announcements(announced_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Insert stores e and returns its id.
func (s *Store) Insert(e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		INSERT INTO announcements (kind, text, labels, announced_at)
		VALUES (?, ?, ?, ?)
	`, e.Kind, e.Text, strings.Join(e.Labels, "\n"), e.At.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert announcement")
	}
	return result.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT id, kind, text, labels, announced_at
		FROM announcements ORDER BY announced_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query announcements")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var labels string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Text, &labels, &e.At); err != nil {
			return nil, errors.Wrap(err, "failed to scan announcement")
		}
		if labels != "" {
			e.Labels = strings.Split(labels, "\n")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and reports how many went.
func (s *Store) Prune(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`DELETE FROM announcements WHERE announced_at < ?`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune announcements")
	}
	return result.RowsAffected()
}

func (s *Store) Close() error {
	return s.conn.Close()
}
