package world

import (
	"sync"
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
)

const (
	minBackoffRTTMultiplier = 1.5
	maxBackoffRTTMultiplier = 8.0
)

func backoffDeadline(attempt int, rtt time.Duration) time.Duration {
	mult := minBackoffRTTMultiplier
	for i := 0; i < attempt; i++ {
		mult *= 2
		if mult >= maxBackoffRTTMultiplier {
			mult = maxBackoffRTTMultiplier
			break
		}
	}
	return time.Duration(mult * float64(rtt))
}

// ComponentSource lets HostWorldManager read a component's current
// value so it can encode full snapshots (InsertComponent) and diffs
// (updates) without owning component storage itself: per spec.md §1
// the engine only requires a registered kind with encode/decode, the
// component data lives in the host's own world/ECS.
type ComponentSource interface {
	Get(e entity.Global, kind entity.ComponentKind) (value any, ok bool)
}

type updateRef struct {
	entity entity.Global
	kind   entity.ComponentKind
	mask   uint64
}

// HostWorldManager is the per-connection sender-side half of the
// replication engine described in spec.md §4.7: one instance per
// remote peer, tracking which entities/components that peer currently
// knows about, the dirty properties still owed to it, and the queue
// of spawn/despawn/insert/remove actions awaiting acknowledgement.
type HostWorldManager struct {
	components *ComponentRegistry

	mu sync.Mutex

	localOf    map[entity.Global]entity.Local
	globalOf   map[entity.Local]entity.Global
	nextLocal  entity.Local
	freedLocal []entity.Local

	spawned map[entity.Global]bool
	present map[entity.Global]map[entity.ComponentKind]bool

	dirty *dirtyTracker

	nextActionID    uint64
	pending         []*action
	sentByPacket    map[uint16][]uint64
	updatesByPacket map[uint16][]updateRef
}

// NewHostWorldManager creates a sender-side world manager bound to a
// single remote peer and the shared component registry.
func NewHostWorldManager(components *ComponentRegistry) *HostWorldManager {
	return &HostWorldManager{
		components:      components,
		localOf:         make(map[entity.Global]entity.Local),
		globalOf:        make(map[entity.Local]entity.Global),
		nextLocal:       1,
		spawned:         make(map[entity.Global]bool),
		present:         make(map[entity.Global]map[entity.ComponentKind]bool),
		dirty:           newDirtyTracker(),
		sentByPacket:    make(map[uint16][]uint64),
		updatesByPacket: make(map[uint16][]updateRef),
	}
}

func (h *HostWorldManager) allocLocal(e entity.Global) entity.Local {
	if n := len(h.freedLocal); n > 0 {
		l := h.freedLocal[n-1]
		h.freedLocal = h.freedLocal[:n-1]
		h.localOf[e] = l
		h.globalOf[l] = e
		return l
	}
	l := h.nextLocal
	h.nextLocal++
	h.localOf[e] = l
	h.globalOf[l] = e
	return l
}

func (h *HostWorldManager) queueAction(a *action) {
	h.nextActionID++
	a.id = h.nextActionID
	a.eligible = true
	h.pending = append(h.pending, a)
}

// Spawn brings e into this peer's scope, allocating (or reusing) its
// LocalEntity and queuing a Spawn action. Safe to call again for an
// entity whose despawn is still pending acknowledgement: it reuses the
// same local id rather than risking two in-flight ids for one entity.
func (h *HostWorldManager) Spawn(e entity.Global) entity.Local {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.localOf[e]; ok {
		h.spawned[e] = true
		if h.present[e] == nil {
			h.present[e] = make(map[entity.ComponentKind]bool)
		}
		return l
	}
	l := h.allocLocal(e)
	h.spawned[e] = true
	h.present[e] = make(map[entity.ComponentKind]bool)
	h.queueAction(&action{tag: ActionSpawn, entity: e, local: l})
	return l
}

// Despawn removes e from this peer's scope. The LocalEntity mapping is
// only released once the despawn action is acknowledged (see
// OnPacketAcked), so a racing re-Spawn before that happens still
// reuses it safely.
func (h *HostWorldManager) Despawn(e entity.Global) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.localOf[e]
	if !ok || !h.spawned[e] {
		return
	}
	h.queueAction(&action{tag: ActionDespawn, entity: e, local: l})
	delete(h.spawned, e)
	delete(h.present, e)
	h.dirty.ForgetEntity(e)
}

// InsertComponent adds component kind to e with its current full value
// and queues the action. No-op if e is not spawned or the component is
// already present.
func (h *HostWorldManager) InsertComponent(e entity.Global, kind entity.ComponentKind, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.localOf[e]
	if !ok || !h.spawned[e] || h.present[e][kind] {
		return
	}
	h.present[e][kind] = true
	h.queueAction(&action{tag: ActionInsertComponent, entity: e, local: l, kind: kind, value: value})
}

// RemoveComponent drops component kind from e and queues the action.
func (h *HostWorldManager) RemoveComponent(e entity.Global, kind entity.ComponentKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.localOf[e]
	if !ok || !h.present[e][kind] {
		return
	}
	delete(h.present[e], kind)
	h.dirty.Forget(e, kind)
	h.queueAction(&action{tag: ActionRemoveComponent, entity: e, local: l, kind: kind})
}

// MarkPropertyDirty flags a single property of an already-inserted
// component as needing to be sent to this peer. The mask accumulates
// (bitwise OR) until the packet carrying it is acknowledged.
func (h *HostWorldManager) MarkPropertyDirty(e entity.Global, kind entity.ComponentKind, propBit uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.present[e][kind] {
		return
	}
	h.dirty.Mark(e, kind, propBit)
}

// Pump re-arms any action whose retransmit backoff has elapsed so the
// next WriteActionsSection resends it. Reliable resend only; pure
// updates need no pump since dirty bits naturally persist until acked.
func (h *HostWorldManager) Pump(now time.Time, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, a := range h.pending {
		if a.acked || a.eligible || a.attempts == 0 {
			continue
		}
		if now.Sub(a.lastSent) >= backoffDeadline(a.attempts-1, rtt) {
			a.eligible = true
		}
	}
}

// WriteActionsSection writes every eligible queued action into w,
// backing out via savepoint if one doesn't fit, and records which
// action ids were sent in packetIndex for OnPacketAcked.
func (h *HostWorldManager) WriteActionsSection(w *bitio.Writer, packetIndex uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sent []uint64
	now := time.Now()
	for _, a := range h.pending {
		if a.acked || !a.eligible {
			continue
		}
		sp := w.Mark()
		if err := h.tryWriteAction(w, a); err != nil {
			w.Rollback(sp)
			break
		}
		a.eligible = false
		a.attempts++
		a.lastSent = now
		sent = append(sent, a.id)
	}
	if err := w.WriteBool(false); err != nil {
		return err
	}
	if len(sent) > 0 {
		h.sentByPacket[packetIndex] = append(h.sentByPacket[packetIndex], sent...)
	}
	return nil
}

func (h *HostWorldManager) tryWriteAction(w *bitio.Writer, a *action) error {
	if err := w.WriteBool(true); err != nil {
		return err
	}
	if err := w.WriteBits(uint64(a.tag), 2); err != nil {
		return err
	}
	if err := w.WriteUint16(uint16(a.local)); err != nil {
		return err
	}
	switch a.tag {
	case ActionSpawn, ActionDespawn:
		return nil
	case ActionInsertComponent:
		if err := w.WriteVarUint(uint64(a.kind)); err != nil {
			return err
		}
		codec, ok := h.components.get(a.kind)
		if !ok {
			return errUnknownKind(a.kind)
		}
		return codec.EncodeFull(a.value, w)
	case ActionRemoveComponent:
		return w.WriteVarUint(uint64(a.kind))
	}
	return nil
}

// WriteUpdatesSection writes a diff record for every dirty
// (entity, component) this peer already knows about, reading current
// values from source, and records which (entity, kind, mask) triples
// were sent in packetIndex for OnPacketAcked.
func (h *HostWorldManager) WriteUpdatesSection(w *bitio.Writer, packetIndex uint16, source ComponentSource) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sent []updateRef
	for _, k := range h.dirty.Dirty() {
		if !h.spawned[k.entity] || !h.present[k.entity][k.kind] {
			continue
		}
		mask := h.dirty.Pending(k.entity, k.kind)
		if mask == 0 {
			continue
		}
		value, ok := source.Get(k.entity, k.kind)
		if !ok {
			continue
		}
		codec, ok := h.components.get(k.kind)
		if !ok {
			continue
		}
		local := h.localOf[k.entity]

		sp := w.Mark()
		if err := h.tryWriteUpdate(w, local, k.kind, mask, value, codec); err != nil {
			w.Rollback(sp)
			break
		}
		sent = append(sent, updateRef{entity: k.entity, kind: k.kind, mask: mask})
	}
	if err := w.WriteBool(false); err != nil {
		return err
	}
	if len(sent) > 0 {
		h.updatesByPacket[packetIndex] = append(h.updatesByPacket[packetIndex], sent...)
	}
	return nil
}

func (h *HostWorldManager) tryWriteUpdate(w *bitio.Writer, local entity.Local, kind entity.ComponentKind, mask uint64, value any, codec ComponentCodec) error {
	if err := w.WriteBool(true); err != nil {
		return err
	}
	if err := w.WriteUint16(uint16(local)); err != nil {
		return err
	}
	if err := w.WriteVarUint(uint64(kind)); err != nil {
		return err
	}
	if err := w.WriteVarUint(mask); err != nil {
		return err
	}
	return codec.EncodeDiffProps(value, mask, w)
}

// OnPacketAcked finalizes every action and update that packetIndex
// carried: acked actions are removed from the retry queue (a despawn
// additionally releases its LocalEntity for reuse), and acked update
// bits are cleared from the dirty mask.
func (h *HostWorldManager) OnPacketAcked(packetIndex uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.sentByPacket[packetIndex] {
		for _, a := range h.pending {
			if a.id == id {
				a.acked = true
				if a.tag == ActionDespawn {
					h.releaseLocal(a.entity)
				}
			}
		}
	}
	delete(h.sentByPacket, packetIndex)
	h.compactPending()

	for _, ref := range h.updatesByPacket[packetIndex] {
		h.dirty.ClearBits(ref.entity, ref.kind, ref.mask)
	}
	delete(h.updatesByPacket, packetIndex)
}

func (h *HostWorldManager) releaseLocal(e entity.Global) {
	l, ok := h.localOf[e]
	if !ok {
		return
	}
	delete(h.localOf, e)
	delete(h.globalOf, l)
	h.freedLocal = append(h.freedLocal, l)
}

func (h *HostWorldManager) compactPending() {
	out := h.pending[:0]
	for _, a := range h.pending {
		if !a.acked {
			out = append(out, a)
		}
	}
	h.pending = out
}

// LocalOf returns e's LocalEntity on this peer, if it has been spawned.
func (h *HostWorldManager) LocalOf(e entity.Global) (entity.Local, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.localOf[e]
	return l, ok
}

// GlobalOf reverses LocalOf, completing the pair an entity.Converter needs.
func (h *HostWorldManager) GlobalOf(l entity.Local) (entity.Global, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.globalOf[l]
	return e, ok
}

// Converter exposes this manager's Global<->Local mapping as an
// entity.Converter, for message payloads that embed entity references.
func (h *HostWorldManager) Converter() entity.Converter { return hostConverter{h} }

type hostConverter struct{ h *HostWorldManager }

func (c hostConverter) GlobalToLocal(g entity.Global) (entity.Local, bool) { return c.h.LocalOf(g) }
func (c hostConverter) LocalToGlobal(l entity.Local) (entity.Global, bool) { return c.h.GlobalOf(l) }

// PendingActions reports the number of actions not yet acknowledged,
// for tests and diagnostics.
func (h *HostWorldManager) PendingActions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
