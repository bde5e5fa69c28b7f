package message

import (
	"fmt"
	"sync"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
)

// Codec is the encode/decode trio the spec's design notes (§9) call for
// per registered kind, generalized from the teacher's packet/RPC
// registries (pkg/packet.PacketRegistry, pkg/rpc.ServiceDesc) to message
// payloads that may reference entities through an entity.Converter.
//
// RefersTo is optional (nil for kinds whose payload never names an
// entity): when set, it extracts the LocalEntity a decoded payload
// refers to, so FilterUnresolved can park the message instead of delivering
// it when that entity hasn't been spawned on this connection yet
// (spec.md §4.5).
type Codec struct {
	Encode   func(msg any, w *bitio.Writer, conv entity.Converter) error
	Decode   func(r *bitio.Reader, conv entity.Converter) (any, error)
	RefersTo func(msg any) (entity.Local, bool)
}

// KindRegistry is the closed set of message kinds known to both peers,
// registered at startup with matching ordinals (spec.md §9).
type KindRegistry struct {
	mu     sync.RWMutex
	codecs map[entity.MessageKind]Codec
}

// NewKindRegistry creates an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{codecs: make(map[entity.MessageKind]Codec)}
}

// Register associates a message kind with its codec.
func (r *KindRegistry) Register(kind entity.MessageKind, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[kind] = codec
}

func (r *KindRegistry) get(kind entity.MessageKind) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Encode looks up kind's codec and writes msg.
func (r *KindRegistry) Encode(kind entity.MessageKind, msg any, w *bitio.Writer, conv entity.Converter) error {
	c, ok := r.get(kind)
	if !ok {
		return fmt.Errorf("message: unregistered kind %d", kind)
	}
	return c.Encode(msg, w, conv)
}

// Decode looks up kind's codec and reads a message.
func (r *KindRegistry) Decode(kind entity.MessageKind, reader *bitio.Reader, conv entity.Converter) (any, error) {
	c, ok := r.get(kind)
	if !ok {
		return nil, fmt.Errorf("message: unregistered kind %d", kind)
	}
	return c.Decode(reader, conv)
}

// RefersTo reports the LocalEntity a decoded payload of kind refers to,
// if its codec declares one. Kinds with no RefersTo, or an unregistered
// kind, report ok=false.
func (r *KindRegistry) RefersTo(kind entity.MessageKind, msg any) (entity.Local, bool) {
	c, ok := r.get(kind)
	if !ok || c.RefersTo == nil {
		return 0, false
	}
	return c.RefersTo(msg)
}
