package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew(t *testing.T) {
	t.Run("UnsupportedDriver", func(t *testing.T) {
		if _, err := New("mysql", "dsn"); err == nil {
			t.Error("Expected error for unsupported driver")
		}
	})

	t.Run("EmptyDSN", func(t *testing.T) {
		if _, err := New("sqlite", " "); err == nil {
			t.Error("Expected error for empty DSN")
		}
	})

	t.Run("FileDatabase", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sdk.db")
		db, err := New("sqlite", path)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		defer db.Close()
		if db.Dialect != DialectSQLite {
			t.Errorf("Expected sqlite dialect, got %s", db.Dialect)
		}
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate failed: %v", err)
		}
		// Migrations are idempotent
		if err := db.Migrate(); err != nil {
			t.Fatalf("Second migrate failed: %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := Rebind(DialectSQLite, q); got != q {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y = $2`
	if got := Rebind(DialectPostgres, q); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestMillis(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	if got := FromMillis(ToMillis(now)); !got.Equal(now) {
		t.Errorf("Expected %v, got %v", now, got)
	}
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	kv := NewKV(db)

	t.Run("MissingKey", func(t *testing.T) {
		_, ok, err := kv.Get(ctx, "absent")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ok {
			t.Error("Expected key to be absent")
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		err := kv.SetMany(ctx, map[string]string{"a": "1", "b": "2"})
		if err != nil {
			t.Fatalf("SetMany failed: %v", err)
		}
		v, ok, err := kv.Get(ctx, "a")
		if err != nil || !ok || v != "1" {
			t.Errorf("Expected a=1, got %q %v %v", v, ok, err)
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		if err := kv.SetMany(ctx, map[string]string{"a": "updated"}); err != nil {
			t.Fatalf("SetMany failed: %v", err)
		}
		v, _, _ := kv.Get(ctx, "a")
		if v != "updated" {
			t.Errorf("Expected updated, got %s", v)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		if err := kv.SetMany(ctx, map[string]string{"empty": ""}); err != nil {
			t.Fatalf("SetMany failed: %v", err)
		}
		v, ok, _ := kv.Get(ctx, "empty")
		if !ok || v != "" {
			t.Errorf("Expected present empty value, got %q %v", v, ok)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := kv.Delete(ctx, "a", "b", "never-set"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, ok, _ := kv.Get(ctx, "a"); ok {
			t.Error("Expected a to be deleted")
		}
	})

	t.Run("CleanData", func(t *testing.T) {
		kv.SetMany(ctx, map[string]string{"x": "1"})
		if err := db.CleanData(); err != nil {
			t.Fatalf("CleanData failed: %v", err)
		}
		if _, ok, _ := kv.Get(ctx, "x"); ok {
			t.Error("Expected x to be cleaned")
		}
	})
}

func TestKV_CanceledContext(t *testing.T) {
	kv := NewKV(newTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := kv.SetMany(ctx, map[string]string{"a": "1"}); err == nil {
		t.Error("Expected error with canceled context")
	}
}
