package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("docs")
	if err := s.Put(ctx, "documents/d1/a.txt", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Get(ctx, "documents/d1/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data %q", data)
	}
	link, err := s.PresignGet(ctx, "documents/d1/a.txt", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(link, "memory://docs/documents/d1/a.txt?expires=") {
		t.Fatalf("unexpected presigned url %q", link)
	}
	if err := s.Delete(ctx, "documents/d1/a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "documents/d1/a.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected object not found, got %v", err)
	}
}
