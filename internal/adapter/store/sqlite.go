package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"quill/internal/domain"
)

// SQLiteStore implements domain.ConversationStore using SQLite.
// Conversations are stored as opaque JSON blobs keyed by name; the
// lifetime spend counter lives in a single-row meta table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT NOT NULL,
			name       TEXT PRIMARY KEY,
			messages   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value REAL NOT NULL
		);
		INSERT OR IGNORE INTO meta (key, value) VALUES ('lifetime_spend', 0);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return domain.WrapOp("SQLiteStore.Close", s.db.Close())
}

// Save stores messages under name, replacing any previous value.
// The conversation id is stable across saves to the same name.
func (s *SQLiteStore) Save(ctx context.Context, name string, messages []domain.Message) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", domain.NewDomainError("SQLiteStore.Save", domain.ErrStoreFailure, err.Error())
	}

	id := ""
	err = s.db.QueryRowContext(ctx, "SELECT id FROM conversations WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = ulid.Make().String()
	} else if err != nil {
		return "", domain.NewDomainError("SQLiteStore.Save", domain.ErrStoreFailure, err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, messages, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		id, name, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", domain.NewDomainError("SQLiteStore.Save", domain.ErrStoreFailure, err.Error())
	}
	return id, nil
}

// Load returns the messages stored under name, or nil when absent.
func (s *SQLiteStore) Load(ctx context.Context, name string) ([]domain.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT messages FROM conversations WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("SQLiteStore.Load", domain.ErrStoreFailure, err.Error())
	}

	var messages []domain.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, domain.NewDomainError("SQLiteStore.Load", domain.ErrStoreFailure, err.Error())
	}
	return messages, nil
}

// AddSpend adds cost (dollars) to the lifetime running total.
func (s *SQLiteStore) AddSpend(ctx context.Context, cost float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meta SET value = value + ? WHERE key = 'lifetime_spend'", cost)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.AddSpend", domain.ErrStoreFailure, err.Error())
	}
	return nil
}

// LifetimeSpend returns the lifetime running total in dollars.
func (s *SQLiteStore) LifetimeSpend(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'lifetime_spend'").Scan(&total)
	if err != nil {
		return 0, domain.NewDomainError("SQLiteStore.LifetimeSpend", domain.ErrStoreFailure, err.Error())
	}
	return total, nil
}

// Compile-time interface check.
var _ domain.ConversationStore = (*SQLiteStore)(nil)
