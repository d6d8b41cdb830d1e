package service

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per key. Waiters on the same key acquire it
// in arrival order; idle keys are dropped.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	refs  int             // holder plus waiters
	ready []chan struct{} // waiters in arrival order
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	turn := make(chan struct{})
	if l.refs == 1 {
		close(turn)
	} else {
		l.ready = append(l.ready, turn)
	}
	k.mu.Unlock()

	select {
	case <-turn:
		return func() { k.unlock(key) }, nil
	case <-ctx.Done():
		k.mu.Lock()
		select {
		case <-turn:
			// handed the lock while giving up; pass it on
			k.mu.Unlock()
			k.unlock(key)
		default:
			k.abandon(l, key, turn)
			k.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := k.locks[key]
	l.refs--
	if len(l.ready) > 0 {
		next := l.ready[0]
		l.ready = l.ready[1:]
		close(next)
		return
	}
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// abandon removes a waiter that never got its turn. Caller holds k.mu.
func (k *keyedMutex) abandon(l *keyLock, key string, turn chan struct{}) {
	for i, c := range l.ready {
		if c == turn {
			l.ready = append(l.ready[:i], l.ready[i+1:]...)
			break
		}
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
