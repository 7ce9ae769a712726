package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLockerSerializesKey(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Lock(context.Background(), DocumentKey("doc-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, DocumentKey("doc-1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	other, err := l.Lock(context.Background(), DocumentKey("doc-2"))
	if err != nil {
		t.Fatalf("other key should be free: %v", err)
	}
	other()

	release()
	release()
	again, err := l.Lock(context.Background(), DocumentKey("doc-1"))
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func memoryKeys(l *MemoryLocker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func TestMemoryLockerForgetsReleasedKeys(t *testing.T) {
	l := NewMemoryLocker()
	for i := 0; i < 50; i++ {
		release, err := l.Lock(context.Background(), DocumentKey(string(rune('a'+i))))
		if err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
		release()
	}
	if n := memoryKeys(l); n != 0 {
		t.Fatalf("expected released keys to be dropped, %d left", n)
	}

	release, err := l.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "busy"); err == nil {
		t.Fatalf("expected waiter to time out")
	}
	if n := memoryKeys(l); n != 1 {
		t.Fatalf("held key must stay tracked after a waiter gives up, have %d", n)
	}

	acquired := make(chan func())
	go func() {
		next, err := l.Lock(context.Background(), "busy")
		if err != nil {
			t.Errorf("waiting lock: %v", err)
			close(acquired)
			return
		}
		acquired <- next
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	next, ok := <-acquired
	if !ok {
		t.FailNow()
	}
	if n := memoryKeys(l); n != 1 {
		t.Fatalf("key handed to a waiter must stay tracked, have %d", n)
	}
	next()
	if n := memoryKeys(l); n != 0 {
		t.Fatalf("expected no keys after final release, have %d", n)
	}
}

func newTestRedisLocker(t *testing.T, mr *miniredis.Miniredis) *RedisLocker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisLocker(client, RedisLockerOptions{Prefix: "test:lock", TTL: time.Second, Retry: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new redis locker: %v", err)
	}
	return l
}

func TestRedisLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestRedisLocker(t, mr)
	b := newTestRedisLocker(t, mr)

	release, err := a.Lock(context.Background(), DocumentKey("doc-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("test:lock:document:doc-1") {
		t.Fatalf("expected lock key in redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, DocumentKey("doc-1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	release()
	if mr.Exists("test:lock:document:doc-1") {
		t.Fatalf("expected lock key removed on release")
	}

	releaseB, err := b.Lock(context.Background(), DocumentKey("doc-1"))
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	releaseB()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	l := newTestRedisLocker(t, mr)

	release, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := mr.Set("test:lock:k", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	release()

	got, err := mr.Get("test:lock:k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "someone-else" {
		t.Fatalf("release removed a token it did not own, have %q", got)
	}
}

func TestNewRedisLockerRequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(nil, RedisLockerOptions{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
