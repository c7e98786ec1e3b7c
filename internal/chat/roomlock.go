package chat

import (
	"sort"
	"sync"
)

// roomLocks hands out one mutex per room id. It serializes the multi-step
// join, leave and disconnect sequences so a roster snapshot is never taken
// halfway through one of them. Entries are freed when nobody holds them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*refLock)}
}

func (l *roomLocks) lock(roomID string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &refLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

// lockAll takes the locks of several rooms in sorted order.
func (l *roomLocks) lockAll(roomIDs []string) (unlock func()) {
	ids := append([]string(nil), roomIDs...)
	sort.Strings(ids)

	unlocks := make([]func(), 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		unlocks = append(unlocks, l.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
