package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"tims/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	md := map[string]string{"study": "3"}
	info, err := store.Put(ctx, "studies/3/export.txt", bytes.NewReader([]byte("Subject|Pipeline")), core.PutOptions{Metadata: md})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	md["study"] = "mutated"
	if info.Size != 16 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	head, err := store.Head(ctx, "studies/3/export.txt")
	if err != nil || head.Metadata["study"] != "3" {
		t.Fatalf("metadata aliased or missing: %v %+v", err, head)
	}
	if _, err := store.Put(ctx, "studies/3/export.txt", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "studies/3/export.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "Subject|Pipeline" {
		t.Fatalf("unexpected body %q", b)
	}
	if list, _ := store.List(ctx, "studies/"); len(list) != 1 {
		t.Fatalf("expected one listed blob, got %d", len(list))
	}
	if ok, _ := store.Delete(ctx, "studies/3/export.txt"); !ok {
		t.Fatalf("expected delete to report existing blob")
	}
	if ok, _ := store.Delete(ctx, "studies/3/export.txt"); ok {
		t.Fatalf("expected second delete to report missing blob")
	}
}

func TestStoreMissingAndInvalid(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.Put(ctx, "", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
}
