package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore keeps sections in the registry_entries table. The schema is
// created by the embedded migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LoadSection implements Store.
func (s *SQLiteStore) LoadSection(ctx context.Context, section string) ([]KeyValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "key", "value"
		FROM registry_entries
		WHERE section = ?
		ORDER BY position`, section)
	if err != nil {
		return nil, fmt.Errorf("querying registry entries: %w", err)
	}
	defer rows.Close()

	out := []KeyValue{}
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scanning registry entry: %w", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registry entries: %w", err)
	}
	return out, nil
}

// ReplaceSection implements Store. The delete and inserts run in one
// transaction.
func (s *SQLiteStore) ReplaceSection(ctx context.Context, section string, entries []KeyValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM registry_entries WHERE section = ?", section); err != nil {
		return fmt.Errorf("clearing section %s: %w", section, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO registry_entries (section, "key", "value", position)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, kv := range entries {
		if _, err := stmt.ExecContext(ctx, section, kv.Key, kv.Value, i); err != nil {
			return fmt.Errorf("inserting %s: %w", kv.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing registry: %w", err)
	}
	return nil
}
