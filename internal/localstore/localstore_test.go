package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/azera85/rcs-collector/internal/dbiface"
)

func TestPutAndBlob(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Put(ctx, "i1", "e1", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Blob(ctx, "i1", "e1")
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Blob = %q, want payload", got)
	}
}

func TestCached_GroupsByInstance(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Put(ctx, "i1", "e1", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "i1", "e2", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "i2", "e3", []byte("c")); err != nil {
		t.Fatal(err)
	}

	cached, err := s.Cached(ctx)
	if err != nil {
		t.Fatalf("Cached: %v", err)
	}
	if len(cached["i1"]) != 2 {
		t.Errorf("expected 2 ids for i1, got %v", cached["i1"])
	}
	if len(cached["i2"]) != 1 {
		t.Errorf("expected 1 id for i2, got %v", cached["i2"])
	}
}

func TestDelete_RemovesBlob(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Put(ctx, "i1", "e1", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "i1", "e1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Blob(ctx, "i1", "e1"); err == nil {
		t.Error("expected an error reading a deleted blob")
	}
}

func TestSetMetaAndMeta(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	want := dbiface.InstanceMeta{Bid: 7, Ident: "agent-1", Subtype: "phone"}
	if err := s.SetMeta(ctx, "i1", want); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	got, err := s.Meta(ctx, "i1")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if got != want {
		t.Errorf("Meta = %+v, want %+v", got, want)
	}
}

func TestMeta_UnknownInstanceReturnsZeroValue(t *testing.T) {
	s := openTemp(t)
	got, err := s.Meta(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if got.Bid != 0 {
		t.Errorf("expected zero-value meta, got %+v", got)
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}
