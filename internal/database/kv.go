package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KV is a string key-value store on top of the kv_store table
type KV struct {
	db *DB
}

// NewKV creates a key-value store. The database must be migrated.
func NewKV(db *DB) *KV {
	return &KV{db: db}
}

// Get returns the value for key and whether it was present
func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := kv.db.QueryRowContext(ctx, kv.db.Rebind(`SELECT value FROM kv_store WHERE key = ?`), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

// SetMany upserts all entries in one transaction
func (kv *KV) SetMany(ctx context.Context, entries map[string]string) error {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := ToMillis(time.Now())
	query := kv.db.Rebind(`
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	for k, v := range entries {
		if _, err := tx.ExecContext(ctx, query, k, v, now); err != nil {
			return fmt.Errorf("failed to write key %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored
func (kv *KV) Delete(ctx context.Context, keys ...string) error {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := kv.db.Rebind(`DELETE FROM kv_store WHERE key = ?`)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, query, k); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
