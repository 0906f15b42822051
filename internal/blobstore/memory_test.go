package blobstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Read(ctx, "/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Write(ctx, "/users.json", []byte(`[]`), "application/json"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read(ctx, "/users.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `[]` {
		t.Fatalf("unexpected content %q", data)
	}
	ok, err := store.Exists(ctx, "/users.json")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
}

func TestMemoryWriteIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.WriteIfAbsent(ctx, "/~lock", nil); err != nil {
		t.Fatalf("first write-if-absent: %v", err)
	}
	if err := store.WriteIfAbsent(ctx, "/~lock", nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// After deletion the path is free again.
	if err := store.Delete(ctx, "/~lock"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.WriteIfAbsent(ctx, "/~lock", nil); err != nil {
		t.Fatalf("write-if-absent after delete: %v", err)
	}
}

func TestMemorySwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.Swap(ctx, "/~lock", []byte("a"), []byte("b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on absent path, got %v", err)
	}
	if err := store.Write(ctx, "/~lock", []byte("a"), ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Swap(ctx, "/~lock", []byte("stale"), []byte("b")); !errors.Is(err, ErrModified) {
		t.Fatalf("expected ErrModified on content mismatch, got %v", err)
	}
	if err := store.Swap(ctx, "/~lock", []byte("a"), []byte("b")); err != nil {
		t.Fatalf("swap: %v", err)
	}
	data, err := store.Read(ctx, "/~lock")
	if err != nil || string(data) != "b" {
		t.Fatalf("read after swap: %q %v", data, err)
	}
	// The condition is against current content, so the old bytes no longer
	// match.
	if err := store.Swap(ctx, "/~lock", []byte("a"), []byte("c")); !errors.Is(err, ErrModified) {
		t.Fatalf("expected ErrModified after successful swap, got %v", err)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.Write(ctx, "/uploads/a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Delete(ctx, "/uploads/a.png"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, "/uploads/a.png"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for _, p := range []string{"/uploads/b.png", "/uploads/a.png", "/users.json"} {
		if err := store.Write(ctx, p, []byte("x"), ""); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	entries, err := store.List(ctx, "/uploads/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "/uploads/a.png" || entries[1].Path != "/uploads/b.png" {
		t.Fatalf("unexpected order: %v", entries)
	}
}
