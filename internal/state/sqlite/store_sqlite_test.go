package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for key, val := range map[string]string{
		"ops:audit:a:1": "one",
		"ops:audit:a:2": "two",
		"ops_audit":     "wildcard",
		"oms:order:x":   "order",
	} {
		if err := store.Set(ctx, key, val); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}
	got, err := store.List(ctx, "ops:audit:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %#v", got)
	}
	if got["ops:audit:a:2"] != "two" {
		t.Fatalf("unexpected entry: %#v", got)
	}
}

func TestStorePersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.Get(context.Background(), "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", val, ok, err)
	}
}
