package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore implements Store on the kv_store table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store backed by an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) get(ctx context.Context, namespace, key, wantType string) (string, error) {
	var value, valueType string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, value_type FROM kv_store WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &valueType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
		}
		return "", fmt.Errorf("reading %s/%s: %w", namespace, key, err)
	}
	if valueType != wantType {
		return "", fmt.Errorf("%s/%s holds %s, want %s: %w", namespace, key, valueType, wantType, ErrTypeMismatch)
	}
	return value, nil
}

// GetString returns a string value.
func (s *SQLiteStore) GetString(ctx context.Context, namespace, key string) (string, error) {
	return s.get(ctx, namespace, key, typeString)
}

// GetInt returns an integer value.
func (s *SQLiteStore) GetInt(ctx context.Context, namespace, key string) (int64, error) {
	raw, err := s.get(ctx, namespace, key, typeInt)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// GetBool returns a boolean value.
func (s *SQLiteStore) GetBool(ctx context.Context, namespace, key string) (bool, error) {
	raw, err := s.get(ctx, namespace, key, typeBool)
	if err != nil {
		return false, err
	}
	return raw == "1", nil
}

// SetString stores a string value.
func (s *SQLiteStore) SetString(ctx context.Context, namespace, key, value string) error {
	return sqlWriter{s.db}.SetString(ctx, namespace, key, value)
}

// SetInt stores an integer value.
func (s *SQLiteStore) SetInt(ctx context.Context, namespace, key string, value int64) error {
	return sqlWriter{s.db}.SetInt(ctx, namespace, key, value)
}

// SetBool stores a boolean value.
func (s *SQLiteStore) SetBool(ctx context.Context, namespace, key string, value bool) error {
	return sqlWriter{s.db}.SetBool(ctx, namespace, key, value)
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	return sqlWriter{s.db}.Delete(ctx, namespace, key)
}

// Update runs fn inside one SQLite transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(w Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting kv transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(sqlWriter{tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing kv transaction: %w", err)
	}
	return nil
}

type sqlWriter struct {
	ex execer
}

func (w sqlWriter) put(ctx context.Context, namespace, key, value, valueType string) error {
	_, err := w.ex.ExecContext(ctx,
		`INSERT INTO kv_store (namespace, key, value, value_type, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   value = excluded.value,
		   value_type = excluded.value_type,
		   updated_at = excluded.updated_at`,
		namespace, key, value, valueType, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (w sqlWriter) SetString(ctx context.Context, namespace, key, value string) error {
	return w.put(ctx, namespace, key, value, typeString)
}

func (w sqlWriter) SetInt(ctx context.Context, namespace, key string, value int64) error {
	return w.put(ctx, namespace, key, strconv.FormatInt(value, 10), typeInt)
}

func (w sqlWriter) SetBool(ctx context.Context, namespace, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return w.put(ctx, namespace, key, v, typeBool)
}

func (w sqlWriter) Delete(ctx context.Context, namespace, key string) error {
	if _, err := w.ex.ExecContext(ctx,
		`DELETE FROM kv_store WHERE namespace = ? AND key = ?`, namespace, key,
	); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", namespace, key, err)
	}
	return nil
}
