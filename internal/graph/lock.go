// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package graph

import "sync"

// keyedMutex serializes mutations per entity id. Entries are created on
// demand and removed when the last holder releases, so the map never grows
// beyond the set of entities with in-flight mutations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for id and returns its release function.
func (k *keyedMutex) Lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// LockPair acquires both ids in a deterministic order to avoid deadlock
// between concurrent multi-entity mutations.
func (k *keyedMutex) LockPair(a, b string) (unlock func()) {
	if a == b {
		return k.Lock(a)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	unlockFirst := k.Lock(first)
	unlockSecond := k.Lock(second)
	return func() {
		unlockSecond()
		unlockFirst()
	}
}
