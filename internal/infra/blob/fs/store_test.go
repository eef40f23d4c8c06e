package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"tims/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "studies/7/summary.txt", bytes.NewReader([]byte("hello")),
		core.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"run": "r1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || info.ETag == "" || info.Metadata["run"] != "r1" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "studies/7/summary.txt", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	head, err := store.Head(ctx, "studies/7/summary.txt")
	if err != nil || head.ContentType != "text/plain" {
		t.Fatalf("head: %v %+v", err, head)
	}
	_, rc, err := store.Get(ctx, "studies/7/summary.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("unexpected body %q", data)
	}
	if _, err := store.Put(ctx, "studies/8/summary.txt", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	list, err := store.List(ctx, "studies/7/")
	if err != nil || len(list) != 1 || list[0].Key != "studies/7/summary.txt" {
		t.Fatalf("list: %v %+v", err, list)
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("expected sorted listing, got %+v", all)
	}
	if ok, err := store.Delete(ctx, "studies/7/summary.txt"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "studies/7/summary.txt"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "studies", "7", "summary.txt.meta")); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed, got %v", err)
	}
}

func TestStoreMissing(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	for _, bad := range []string{"", "  ", "/abs", "../up", "a/../../b", "x.meta"} {
		if _, err := sanitizeKey(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	got, err := sanitizeKey("a//b/./c.zip")
	if err != nil || got != "a/b/c.zip" {
		t.Fatalf("sanitize: %q %v", got, err)
	}
}
