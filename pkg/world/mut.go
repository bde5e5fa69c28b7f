package world

import "github.com/pbalcer/naia/pkg/entity"

// key identifies one component instance on the host.
type key struct {
	entity entity.Global
	kind   entity.ComponentKind
}

// dirtyTracker accumulates per-property dirty bits for every
// (entity, component) pair known to a single connection. Per spec.md
// §4.7, the mask is only cleared when the packet carrying it is acked;
// if the packet is lost (or simply never acked in time), the next
// write naturally includes the same bits OR'd with anything mutated
// since, so no state is lost to a dropped packet.
type dirtyTracker struct {
	mask map[key]uint64
}

func newDirtyTracker() *dirtyTracker {
	return &dirtyTracker{mask: make(map[key]uint64)}
}

// Mark ORs propBit into the pending mask for (e, kind).
func (d *dirtyTracker) Mark(e entity.Global, kind entity.ComponentKind, propBit uint) {
	k := key{e, kind}
	d.mask[k] |= 1 << propBit
}

// Pending returns the current accumulated mask for (e, kind).
func (d *dirtyTracker) Pending(e entity.Global, kind entity.ComponentKind) uint64 {
	return d.mask[key{e, kind}]
}

// ClearBits removes ackedMask bits from the pending mask for (e, kind):
// bits mutated again after the acked send was captured remain dirty.
func (d *dirtyTracker) ClearBits(e entity.Global, kind entity.ComponentKind, ackedMask uint64) {
	k := key{e, kind}
	d.mask[k] &^= ackedMask
	if d.mask[k] == 0 {
		delete(d.mask, k)
	}
}

// Forget drops all tracked dirty state for (e, kind), used when a
// component is removed or the entity despawned.
func (d *dirtyTracker) Forget(e entity.Global, kind entity.ComponentKind) {
	delete(d.mask, key{e, kind})
}

// ForgetEntity drops all tracked dirty state for every component of e.
func (d *dirtyTracker) ForgetEntity(e entity.Global) {
	for k := range d.mask {
		if k.entity == e {
			delete(d.mask, k)
		}
	}
}

// Dirty returns every (entity, kind) pair with a non-zero pending mask.
func (d *dirtyTracker) Dirty() []key {
	out := make([]key, 0, len(d.mask))
	for k, m := range d.mask {
		if m != 0 {
			out = append(out, k)
		}
	}
	return out
}
