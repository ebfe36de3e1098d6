package evaluation

import (
	"fmt"
	"sync"

	"github.com/pavelanni/evalcard/internal/model"
)

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func attemptKey(projectID int64, phase model.Phase, subjectID int64) string {
	return fmt.Sprintf("attempt/%d/%s/%d", projectID, phase, subjectID)
}

func finalKey(projectID, studentID int64) string {
	return fmt.Sprintf("final/%d/%d", projectID, studentID)
}
