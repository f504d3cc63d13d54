// Package history persists finalized chat messages, keyed by collection.
// The streaming core hands a message off here only after its stream
// completes; nothing in-flight is ever stored.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chatstream/internal/models"
)

// Collection groups the messages of one conversation thread.
type Collection struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is one finalized message with its routing metadata.
type StoredMessage struct {
	Role      string
	Content   string
	Model     string
	CreatedAt time.Time
}

// Store wraps the sqlite database holding chat history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_collection ON messages(collection_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCollection starts a new conversation thread.
func (s *Store) CreateCollection(name string) (Collection, error) {
	now := time.Now().UTC()
	col := Collection{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO collections (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		col.ID, col.Name, col.CreatedAt, col.UpdatedAt,
	)
	if err != nil {
		return Collection{}, fmt.Errorf("create collection: %w", err)
	}
	return col, nil
}

// Append stores one finalized message in a collection.
func (s *Store) Append(collectionID string, msg models.Message, model string) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (collection_id, role, content, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		collectionID, msg.Role, msg.Content, model, now,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE collections SET updated_at = ? WHERE id = ?`,
		now, collectionID,
	); err != nil {
		return fmt.Errorf("touch collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Messages returns a collection's messages in insertion order.
func (s *Store) Messages(collectionID string) ([]StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT role, content, model, created_at FROM messages WHERE collection_id = ? ORDER BY id`,
		collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Model, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Collections lists all threads, most recently updated first.
func (s *Store) Collections() ([]Collection, error) {
	rows, err := s.db.Query(
		`SELECT id, name, created_at, updated_at FROM collections ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var col Collection
		if err := rows.Scan(&col.ID, &col.Name, &col.CreatedAt, &col.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// Rename changes a collection's display name.
func (s *Store) Rename(collectionID, name string) error {
	res, err := s.db.Exec(
		`UPDATE collections SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), collectionID,
	)
	if err != nil {
		return fmt.Errorf("rename collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %q not found", collectionID)
	}
	return nil
}

// Delete removes a collection and its messages.
func (s *Store) Delete(collectionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE collection_id = ?`, collectionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM collections WHERE id = ?`, collectionID); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
