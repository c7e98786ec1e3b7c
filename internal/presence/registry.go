// Package presence tracks which users are online in which room.
//
// The Registry is a process-local, in-memory structure. Every room owns its
// own mutex so that mutations in one room never wait on another room.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// OnlineUser is one roster row as sent to clients.
type OnlineUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Entry is the presence record for one (room, user) pair.
type Entry struct {
	ConnID   string
	Username string
}

type room struct {
	mu    sync.Mutex
	users map[int]Entry
	order []int // join order, for stable roster snapshots
	dead  bool  // unlinked from the registry; writers must fetch a fresh room
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	connMu    sync.Mutex
	connRooms map[string]map[string]struct{} // connID -> rooms where it owns an entry
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]*room),
		connRooms: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) room(roomID string, create bool) *room {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok || !create {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[roomID]; !ok {
		rm = &room{users: make(map[int]Entry)}
		r.rooms[roomID] = rm
	}
	return rm
}

// MarkOnline records userID as present in roomID through connID. A previous
// entry for the same user in that room is replaced.
func (r *Registry) MarkOnline(roomID string, userID int, username, connID string) {
	var rm *room
	for {
		rm = r.room(roomID, true)
		rm.mu.Lock()
		if !rm.dead {
			break
		}
		rm.mu.Unlock()
	}

	prev, existed := rm.users[userID]
	rm.users[userID] = Entry{ConnID: connID, Username: username}
	if !existed {
		rm.order = append(rm.order, userID)
	}
	rm.mu.Unlock()

	if existed && prev.ConnID != connID {
		r.untrack(prev.ConnID, roomID)
	}
	r.track(connID, roomID)
}

// MarkOffline removes userID from roomID. Calling it for an absent user is a no-op.
func (r *Registry) MarkOffline(roomID string, userID int) {
	rm := r.room(roomID, false)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	prev, ok := rm.users[userID]
	if ok {
		delete(rm.users, userID)
		rm.order = lo.Without(rm.order, userID)
	}
	empty := len(rm.users) == 0
	rm.mu.Unlock()

	if ok {
		r.untrack(prev.ConnID, roomID)
	}
	if empty {
		r.dropIfEmpty(roomID)
	}
}

// ListOnline returns a snapshot of the room's roster.
func (r *Registry) ListOnline(roomID string) []OnlineUser {
	rm := r.room(roomID, false)
	if rm == nil {
		return []OnlineUser{}
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return lo.Map(rm.order, func(id int, _ int) OnlineUser {
		return OnlineUser{ID: id, Username: rm.users[id].Username}
	})
}

// Lookup returns the entry for (roomID, userID) if present.
func (r *Registry) Lookup(roomID string, userID int) (Entry, bool) {
	rm := r.room(roomID, false)
	if rm == nil {
		return Entry{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.users[userID]
	return e, ok
}

// RemoveConnectionEverywhere drops every entry owned by connID and returns the
// affected rooms in sorted order. Entries that a later join handed to another
// connection are left alone.
func (r *Registry) RemoveConnectionEverywhere(connID string) []string {
	r.connMu.Lock()
	owned := r.connRooms[connID]
	delete(r.connRooms, connID)
	r.connMu.Unlock()

	affected := make([]string, 0, len(owned))
	for roomID := range owned {
		rm := r.room(roomID, false)
		if rm == nil {
			continue
		}

		rm.mu.Lock()
		removed := false
		for userID, e := range rm.users {
			if e.ConnID == connID {
				delete(rm.users, userID)
				rm.order = lo.Without(rm.order, userID)
				removed = true
			}
		}
		empty := len(rm.users) == 0
		rm.mu.Unlock()

		if removed {
			affected = append(affected, roomID)
		}
		if empty {
			r.dropIfEmpty(roomID)
		}
	}
	sort.Strings(affected)
	return affected
}

// Rooms lists the rooms that currently have at least one user online.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.rooms)
	sort.Strings(ids)
	return ids
}

func (r *Registry) dropIfEmpty(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	if len(rm.users) == 0 {
		rm.dead = true
		delete(r.rooms, roomID)
	}
	rm.mu.Unlock()
}

func (r *Registry) track(connID, roomID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	set, ok := r.connRooms[connID]
	if !ok {
		set = make(map[string]struct{})
		r.connRooms[connID] = set
	}
	set[roomID] = struct{}{}
}

func (r *Registry) untrack(connID, roomID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	set, ok := r.connRooms[connID]
	if !ok {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(r.connRooms, connID)
	}
}
