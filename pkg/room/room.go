// Package room implements the coarse scoping unit described in spec.md
// §4.10: rooms group users and entities, and a ScopeMap predicate cache
// decides, per (room, user, entity), whether that entity is replicated to
// that user. Built in the teacher's registry-map style
// (map[key]*struct guarded by sync.RWMutex, as in pkg/rpc.Server.services).
package room

import (
	"sync"

	"github.com/pbalcer/naia/pkg/entity"
)

// UserKey identifies a connected user on the server.
type UserKey uint64

// Key uniquely names a room.
type Key uint64

// Room is a membership set: subscribed users and member entities.
type Room struct {
	mu      sync.RWMutex
	users   map[UserKey]bool
	entities map[entity.Global]bool
}

func newRoom() *Room {
	return &Room{users: make(map[UserKey]bool), entities: make(map[entity.Global]bool)}
}

// AddUser subscribes a user to the room.
func (r *Room) AddUser(u UserKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u] = true
}

// RemoveUser unsubscribes a user. Returns true if the user was present.
func (r *Room) RemoveUser(u UserKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existed := r.users[u]
	delete(r.users, u)
	return existed
}

// AddEntity adds e as a room member.
func (r *Room) AddEntity(e entity.Global) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e] = true
}

// RemoveEntity removes e from room membership.
func (r *Room) RemoveEntity(e entity.Global) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, e)
}

// Users returns a snapshot of subscribed users.
func (r *Room) Users() []UserKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UserKey, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

// Entities returns a snapshot of member entities.
func (r *Room) Entities() []entity.Global {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.Global, 0, len(r.entities))
	for e := range r.entities {
		out = append(out, e)
	}
	return out
}

// HasUser reports whether u is subscribed.
func (r *Room) HasUser(u UserKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[u]
}

// HasEntity reports whether e is a member.
func (r *Room) HasEntity(e entity.Global) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[e]
}

// Registry owns the full set of rooms on the server.
type Registry struct {
	mu    sync.RWMutex
	rooms map[Key]*Room
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[Key]*Room)}
}

// Create registers a new, empty room under key. No-op if key already exists.
func (reg *Registry) Create(key Key) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[key]; ok {
		return r
	}
	r := newRoom()
	reg.rooms[key] = r
	return r
}

// Get returns the room for key, if any.
func (reg *Registry) Get(key Key) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[key]
	return r, ok
}

// Destroy removes a room entirely.
func (reg *Registry) Destroy(key Key) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, key)
}

// Keys returns a snapshot of every registered room key.
func (reg *Registry) Keys() []Key {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Key, 0, len(reg.rooms))
	for k := range reg.rooms {
		out = append(out, k)
	}
	return out
}
