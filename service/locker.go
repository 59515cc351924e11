package service

import (
	"context"
	"sync"
)

// Locker serialises writers of the same document. The returned unlock
// function must be called exactly once; extra calls are ignored.
type Locker interface {
	Lock(ctx context.Context, docID string) (func(), error)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*refLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, docID string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[docID]
	if !ok {
		rl = &refLock{ch: make(chan struct{}, 1)}
		l.locks[docID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(docID, rl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-rl.ch
			l.release(docID, rl)
		})
	}, nil
}

func (l *LocalLocker) release(docID string, rl *refLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, docID)
	}
}

// size is the number of live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
