package capture

import (
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"convotap/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	observed_at TIMESTAMP NOT NULL,
	url TEXT NOT NULL,
	conversation_id TEXT,
	request_body TEXT,
	response_body TEXT
);
CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id);
CREATE INDEX IF NOT EXISTS idx_exchanges_observed_at ON exchanges(observed_at);
`

// Store is a write-behind SQLite archive of admitted exchanges, for
// diagnostics and offline replay. It records traffic only — engine state is
// never persisted or rehydrated from it.
type Store struct {
	db *sql.DB

	queue chan models.Exchange
	done  chan struct{}
	once  sync.Once
}

// New opens (or creates) the archive at path
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture database: %w", err)
	}

	// A single writer goroutine owns all inserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize capture schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan models.Exchange, 256),
		done:  make(chan struct{}),
	}
	go s.writeLoop()

	log.Printf("🗃️  Capture archive opened at %s", path)
	return s, nil
}

// Record enqueues an exchange for archiving. Never blocks the ingest path;
// when the queue is full the exchange is dropped and logged.
func (s *Store) Record(ex models.Exchange) {
	select {
	case s.queue <- ex:
	default:
		slog.Warn("capture queue full, exchange dropped", "url", ex.URL)
	}
}

// Count returns the number of archived exchanges
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&n)
	return n, err
}

// Recent returns the latest archived exchanges, newest first
func (s *Store) Recent(limit int) ([]models.Exchange, error) {
	rows, err := s.db.Query(`
		SELECT observed_at, url, COALESCE(conversation_id, ''), COALESCE(request_body, ''), COALESCE(response_body, '')
		FROM exchanges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Exchange
	for rows.Next() {
		var ex models.Exchange
		if err := rows.Scan(&ex.ObservedAt, &ex.URL, &ex.ConversationID, &ex.RequestBody, &ex.ResponseBody); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Close drains pending writes and closes the database
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for ex := range s.queue {
		if err := s.insert(ex); err != nil {
			slog.Error("failed to archive exchange", "url", ex.URL, "error", err)
		}
	}
}

func (s *Store) insert(ex models.Exchange) error {
	observedAt := ex.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO exchanges (observed_at, url, conversation_id, request_body, response_body)
		VALUES (?, ?, ?, ?, ?)`,
		observedAt, ex.URL, ex.ConversationID, ex.RequestBody, ex.ResponseBody)
	return err
}
