package room

import (
	"sync"

	"github.com/pbalcer/naia/pkg/entity"
)

// tuple identifies a single (room, user, entity) scope candidate.
type tuple struct {
	room   Key
	user   UserKey
	entity entity.Global
}

// Predicate decides whether entity e should be in scope for user u in
// room r, beyond the default-false/pawn-override rules ScopeMap already
// applies. Hosts register one to express gameplay-specific visibility
// (e.g. distance culling, team visibility).
type Predicate func(r Key, u UserKey, e entity.Global) bool

// ScopeMap is the (room,user,entity) -> bool predicate cache described in
// spec.md §3 and §4.10, writable by the host. A pawn override makes an
// entity always in scope for its owning user regardless of the stored
// predicate result or any registered Predicate, per original_source's
// PawnKey precedence (SPEC_FULL.md §9.1).
type ScopeMap struct {
	mu        sync.RWMutex
	overrides map[tuple]bool
	predicate Predicate
	pawns     map[UserKey]entity.Global // user -> their pawn entity, always in scope
	current   map[tuple]bool            // last-evaluated in-scope state, for transition detection
}

// NewScopeMap creates an empty ScopeMap. A nil predicate defaults every
// non-overridden, non-pawn tuple to out of scope (spec.md §4.10: "default
// false").
func NewScopeMap(predicate Predicate) *ScopeMap {
	return &ScopeMap{
		overrides: make(map[tuple]bool),
		predicate: predicate,
		pawns:     make(map[UserKey]entity.Global),
		current:   make(map[tuple]bool),
	}
}

// SetOverride writes an explicit true/false for (r,u,e), taking precedence
// over the registered Predicate (but not over a pawn override).
func (s *ScopeMap) SetOverride(r Key, u UserKey, e entity.Global, inScope bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[tuple{r, u, e}] = inScope
}

// ClearOverride removes a previously set override, falling back to the
// registered Predicate.
func (s *ScopeMap) ClearOverride(r Key, u UserKey, e entity.Global) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, tuple{r, u, e})
}

// SetPawn marks e as user u's pawn: always in scope for u regardless of
// room membership or predicate (spec.md §4.10, "pawns are always in scope
// for their owner").
func (s *ScopeMap) SetPawn(u UserKey, e entity.Global) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pawns[u] = e
}

// ClearPawn removes user u's pawn override.
func (s *ScopeMap) ClearPawn(u UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pawns, u)
}

// evaluate resolves whether e is currently in scope for u in room r:
// pawn override first, then explicit override, then the registered
// predicate, defaulting to false.
func (s *ScopeMap) evaluate(r Key, u UserKey, e entity.Global) bool {
	if pawn, ok := s.pawns[u]; ok && pawn == e {
		return true
	}
	if v, ok := s.overrides[tuple{r, u, e}]; ok {
		return v
	}
	if s.predicate != nil {
		return s.predicate(r, u, e)
	}
	return false
}

// Transition is a single in-scope/out-of-scope change for one
// (room, user, entity) tuple, produced by Evaluate.
type Transition struct {
	Room     Key
	User     UserKey
	Entity   entity.Global
	InScope  bool
}

// Evaluate walks every (room, user, entity) candidate tuple produced by
// reg's current rooms and returns the set of transitions since the last
// call: entities that just entered or just left scope for a user. Spec's
// "spawn and despawn on the remote follow scope transitions exactly once
// per transition" (§3) holds because Evaluate only reports a change once,
// even if called every tick with a stable predicate.
func (s *ScopeMap) Evaluate(reg *Registry) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[tuple]bool)
	var transitions []Transition

	for _, rk := range reg.Keys() {
		rm, ok := reg.Get(rk)
		if !ok {
			continue
		}
		users := rm.Users()
		entities := rm.Entities()
		for _, u := range users {
			for _, e := range entities {
				t := tuple{rk, u, e}
				inScope := s.evaluate(rk, u, e)
				next[t] = inScope

				was, existed := s.current[t]
				if inScope != (existed && was) {
					transitions = append(transitions, Transition{Room: rk, User: u, Entity: e, InScope: inScope})
				}
			}
		}
	}

	s.current = next
	return transitions
}

// EvaluatePawns reports a scope-in transition (with a zero Room) for every
// user that currently has a pawn set, on every call. It does not track
// which pawns were already reported or are already in scope via a room.
func (s *ScopeMap) EvaluatePawns() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transition
	for u, e := range s.pawns {
		out = append(out, Transition{User: u, Entity: e, InScope: true})
	}
	return out
}

// RemoveUserFromRoom unsubscribes u from room r and returns the entities
// that fall out of scope as a result (those that were in scope only via
// this room membership), so the caller can enqueue despawns for exactly
// those entities per spec.md §4.10.
func RemoveUserFromRoom(reg *Registry, sm *ScopeMap, r Key, u UserKey) []entity.Global {
	rm, ok := reg.Get(r)
	if !ok {
		return nil
	}
	entitiesInRoom := rm.Entities()
	rm.RemoveUser(u)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var droppedOut []entity.Global
	for _, e := range entitiesInRoom {
		t := tuple{r, u, e}
		if was, existed := sm.current[t]; existed && was {
			delete(sm.current, t)
			// Still in scope via the pawn override: no despawn.
			if pawn, ok := sm.pawns[u]; ok && pawn == e {
				continue
			}
			// Still in scope via another room: no despawn.
			stillInScope := false
			for other, in := range sm.current {
				if in && other.user == u && other.entity == e {
					stillInScope = true
					break
				}
			}
			if stillInScope {
				continue
			}
			droppedOut = append(droppedOut, e)
		}
	}
	return droppedOut
}
