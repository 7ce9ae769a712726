// Package lock provides per-key advisory locks used to serialize writers of a
// document's chunk set.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned release function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// DocumentKey is the lock key shared by every writer of a document's chunks.
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

// MemoryLocker is a process-local Locker. A key is forgotten once nobody holds
// or waits for it.
type MemoryLocker struct {
	mu   sync.Mutex
	keys map[string]*memoryEntry
}

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{keys: make(map[string]*memoryEntry)}
}

// Lock blocks until key is free or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.keys[key]
	if !ok {
		entry = &memoryEntry{sem: make(chan struct{}, 1)}
		l.keys[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return sync.OnceFunc(func() {
			<-entry.sem
			l.drop(key, entry)
		}), nil
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) drop(key string, entry *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.keys, key)
	}
}
