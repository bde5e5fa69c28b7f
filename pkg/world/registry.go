// Package world implements the replication engine described in spec.md
// §4.7: HostWorldManager (sender side) emits entity actions and
// per-component property updates; RemoteWorldManager (receiver side)
// decodes them, maintaining the LocalEntity<->GlobalEntity map and
// merging diffs into local components. Built in the teacher's
// registry-of-kinds style (pkg/packet.PacketRegistry,
// pkg/rpc.ServiceDesc/MethodDesc) generalized to a closed set of
// component kinds per spec.md §9's design note.
package world

import (
	"fmt"
	"sync"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
)

// ComponentCodec is the {encode, decode, mirror} trio spec.md §9 calls
// for, specialized to property-level diffs:
//
//   - EncodeFull writes every property (used for InsertComponent).
//   - DecodeFull reads every property (used for InsertComponent).
//   - EncodeDiffProps writes only the properties whose bit is set in mask.
//   - DecodeDiffProps reads only the properties whose bit is set in mask,
//     returning a property-index -> value map.
//   - ApplyProps merges decoded properties into dst (nil dst means "no
//     prior value", as right after InsertComponent), returning the
//     merged value the host should store.
type ComponentCodec struct {
	NumProps        int
	EncodeFull      func(value any, w *bitio.Writer) error
	DecodeFull      func(r *bitio.Reader) (any, error)
	EncodeDiffProps func(value any, mask uint64, w *bitio.Writer) error
	DecodeDiffProps func(r *bitio.Reader, mask uint64) (map[int]any, error)
	ApplyProps      func(dst any, props map[int]any) any
}

// ComponentRegistry is the closed set of component kinds known to both
// peers, registered at startup with matching ordinals.
type ComponentRegistry struct {
	mu     sync.RWMutex
	codecs map[entity.ComponentKind]ComponentCodec
}

// NewComponentRegistry creates an empty registry.
func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{codecs: make(map[entity.ComponentKind]ComponentCodec)}
}

// Register associates a component kind with its codec.
func (r *ComponentRegistry) Register(kind entity.ComponentKind, codec ComponentCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[kind] = codec
}

func (r *ComponentRegistry) get(kind entity.ComponentKind) (ComponentCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// errUnknownKind is returned for an unregistered component kind.
func errUnknownKind(kind entity.ComponentKind) error {
	return fmt.Errorf("world: unregistered component kind %d", kind)
}
