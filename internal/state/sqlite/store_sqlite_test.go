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
	if err := store.Set(ctx, "cloid:a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "cloid:a", "2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "cloid:a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "cloid:a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "cloid:a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListByPrefix(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for key, value := range map[string]string{"cloid:a": "1", "cloid:b": "2", "other:c": "3", "cloid%x": "4"} {
		if err := store.Set(ctx, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	got, err := store.List(ctx, "cloid:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got["cloid:a"] != "1" || got["cloid:b"] != "2" {
		t.Fatalf("unexpected entries: %v", got)
	}
}
