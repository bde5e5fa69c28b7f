package world

import (
	"errors"
	"sync"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/wire"
)

// ErrUnknownLocalEntity is returned when a packet references a
// LocalEntity that was never spawned on this connection. Per spec.md
// §4.7 this is a protocol violation, not a recoverable condition: the
// caller should treat it as fatal and drop the connection.
var ErrUnknownLocalEntity = errors.New("world: reference to unspawned local entity")

// ErrUnknownComponent is returned when a packet updates or removes a
// component kind never inserted on the referenced entity.
var ErrUnknownComponent = errors.New("world: reference to component not present on entity")

type lkey struct {
	local entity.Local
	kind  entity.ComponentKind
}

// Sink receives replication events decoded by RemoteWorldManager, to
// be applied by the owning client/server (e.g. to drive a rendering or
// prediction world).
type Sink interface {
	OnSpawn(local entity.Local)
	OnDespawn(local entity.Local)
	OnInsertComponent(local entity.Local, kind entity.ComponentKind, value any)
	OnRemoveComponent(local entity.Local, kind entity.ComponentKind)
	OnUpdateComponent(local entity.Local, kind entity.ComponentKind, value any)
}

// RemoteWorldManager is the per-connection receiver-side half of the
// replication engine: it decodes the actions and updates sections of a
// data packet, keeps its own shadow copy of every replicated
// component's value (GlobalEntity is server-authoritative bookkeeping
// and is never itself put on the wire; the remote only ever deals in
// LocalEntity), and rejects anything referencing an entity or
// component it was never told about.
type RemoteWorldManager struct {
	components *ComponentRegistry

	mu sync.Mutex

	known   map[entity.Local]bool
	present map[entity.Local]map[entity.ComponentKind]bool
	values  map[lkey]any

	// lastApplied[lkey][propIndex] is the packet index of the most
	// recent update merged into that property, so a reordered packet
	// carrying a stale value cannot clobber a fresher one already
	// applied (spec.md §4.7 diff-mask monotonicity).
	lastApplied map[lkey]map[int]uint16
}

// NewRemoteWorldManager creates a receiver-side world manager bound to
// the shared component registry.
func NewRemoteWorldManager(components *ComponentRegistry) *RemoteWorldManager {
	return &RemoteWorldManager{
		components:  components,
		known:       make(map[entity.Local]bool),
		present:     make(map[entity.Local]map[entity.ComponentKind]bool),
		values:      make(map[lkey]any),
		lastApplied: make(map[lkey]map[int]uint16),
	}
}

// ReadActionsSection decodes the actions section of a data packet,
// applying each action to the shadow world and notifying sink in wire
// order.
func (r *RemoteWorldManager) ReadActionsSection(br *bitio.Reader, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		more, err := br.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		tagBits, err := br.ReadBits(2)
		if err != nil {
			return err
		}
		localRaw, err := br.ReadUint16()
		if err != nil {
			return err
		}
		local := entity.Local(localRaw)

		switch ActionTag(tagBits) {
		case ActionSpawn:
			r.known[local] = true
			r.present[local] = make(map[entity.ComponentKind]bool)
			sink.OnSpawn(local)

		case ActionDespawn:
			if !r.known[local] {
				return ErrUnknownLocalEntity
			}
			for kind := range r.present[local] {
				delete(r.values, lkey{local, kind})
				delete(r.lastApplied, lkey{local, kind})
			}
			delete(r.present, local)
			delete(r.known, local)
			sink.OnDespawn(local)

		case ActionInsertComponent:
			if !r.known[local] {
				return ErrUnknownLocalEntity
			}
			kindRaw, err := br.ReadVarUint()
			if err != nil {
				return err
			}
			kind := entity.ComponentKind(kindRaw)
			codec, ok := r.components.get(kind)
			if !ok {
				return errUnknownKind(kind)
			}
			value, err := codec.DecodeFull(br)
			if err != nil {
				return err
			}
			r.present[local][kind] = true
			r.values[lkey{local, kind}] = value
			sink.OnInsertComponent(local, kind, value)

		case ActionRemoveComponent:
			if !r.known[local] {
				return ErrUnknownLocalEntity
			}
			kindRaw, err := br.ReadVarUint()
			if err != nil {
				return err
			}
			kind := entity.ComponentKind(kindRaw)
			if !r.present[local][kind] {
				return ErrUnknownComponent
			}
			delete(r.present[local], kind)
			delete(r.values, lkey{local, kind})
			delete(r.lastApplied, lkey{local, kind})
			sink.OnRemoveComponent(local, kind)
		}
	}
}

// ReadUpdatesSection decodes the updates section of a data packet
// carried in packetIndex, merging only properties whose carrier packet
// is newer (by wire.SequenceGreaterThan, wraparound-safe) than the
// last packet applied to that property.
func (r *RemoteWorldManager) ReadUpdatesSection(br *bitio.Reader, packetIndex uint16, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		more, err := br.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		localRaw, err := br.ReadUint16()
		if err != nil {
			return err
		}
		local := entity.Local(localRaw)
		kindRaw, err := br.ReadVarUint()
		if err != nil {
			return err
		}
		kind := entity.ComponentKind(kindRaw)
		mask, err := br.ReadVarUint()
		if err != nil {
			return err
		}

		if !r.known[local] {
			return ErrUnknownLocalEntity
		}
		if !r.present[local][kind] {
			return ErrUnknownComponent
		}
		codec, ok := r.components.get(kind)
		if !ok {
			return errUnknownKind(kind)
		}
		props, err := codec.DecodeDiffProps(br, mask)
		if err != nil {
			return err
		}

		k := lkey{local, kind}
		applied := r.lastApplied[k]
		if applied == nil {
			applied = make(map[int]uint16)
			r.lastApplied[k] = applied
		}
		fresh := make(map[int]any, len(props))
		for idx, v := range props {
			if last, seen := applied[idx]; seen && !wire.SequenceGreaterThan(packetIndex, last) {
				continue
			}
			applied[idx] = packetIndex
			fresh[idx] = v
		}
		if len(fresh) == 0 {
			continue
		}
		merged := codec.ApplyProps(r.values[k], fresh)
		r.values[k] = merged
		sink.OnUpdateComponent(local, kind, merged)
	}
}

// Get returns the shadow value currently held for (local, kind).
func (r *RemoteWorldManager) Get(local entity.Local, kind entity.ComponentKind) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[lkey{local, kind}]
	return v, ok
}

// Known reports whether local has been spawned and not yet despawned.
func (r *RemoteWorldManager) Known(local entity.Local) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[local]
}
