package consult

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is held and returns its release function.
func (keyed *keyedMutex) Lock(key string) func() {
	keyed.mu.Lock()
	lock, exists := keyed.locks[key]
	if !exists {
		lock = &keyedLock{}
		keyed.locks[key] = lock
	}
	lock.refs++
	keyed.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		keyed.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(keyed.locks, key)
		}
		keyed.mu.Unlock()
	}
}

// LockAll takes every distinct key in sorted order.
func (keyed *keyedMutex) LockAll(keys ...string) func() {
	distinct := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		distinct = append(distinct, key)
	}
	sort.Strings(distinct)
	releases := make([]func(), 0, len(distinct))
	for _, key := range distinct {
		releases = append(releases, keyed.Lock(key))
	}
	return func() {
		for index := len(releases) - 1; index >= 0; index-- {
			releases[index]()
		}
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

func actorKey(id string) string {
	return "actor:" + id
}
