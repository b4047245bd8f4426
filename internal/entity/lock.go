package entity

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrLockNotHeld is returned when an entity is read or written outside the
// set of keys locked for the current unit of work.
var ErrLockNotHeld = eris.New("entity: lock not held")

// Locker serializes work on entity keys. Lock blocks until every key is held
// or ctx is done; the returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys []string) (func(), error)
}

// SortKeys returns keys sorted and deduplicated, the order in which lockers
// acquire them.
func SortKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// KeyMutex is an in-process Locker.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*keyLock)}
}

// Lock implements Locker.
func (m *KeyMutex) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = SortKeys(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.acquire(ctx, k); err != nil {
			m.release(held)
			return nil, eris.Wrapf(err, "entity: lock %s", k)
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { m.release(held) }) }, nil
}

func (m *KeyMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(key, kl)
		return ctx.Err()
	}
}

func (m *KeyMutex) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		kl := m.locks[keys[i]]
		m.mu.Unlock()
		<-kl.ch
		m.unref(keys[i], kl)
	}
}

func (m *KeyMutex) unref(key string, kl *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
}
