package tickbuffer

import (
	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/wire"
)

// Receiver is the server-side mirror of Sender: it decodes the
// tick-buffered section, buffers commands per target tick, and releases
// them exactly at the server's authoritative tick (spec.md §4.6, S4).
type Receiver struct {
	kinds map[entity.MessageKind]Codec
	byTick map[uint16][]Command
}

// NewReceiver creates a Receiver using the given command kind codecs.
func NewReceiver(kinds map[entity.MessageKind]Codec) *Receiver {
	return &Receiver{kinds: kinds, byTick: make(map[uint16][]Command)}
}

// ReadSection decodes the tick-buffered messages section and buffers each
// command under its target tick. Commands for a tick already passed by
// the current authoritative tick are dropped silently.
func (r *Receiver) ReadSection(reader *bitio.Reader, authoritativeTick uint16) error {
	for {
		cont, err := reader.ReadBool()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}

		tick, err := reader.ReadUint16()
		if err != nil {
			return err
		}
		ch64, err := reader.ReadVarUint()
		if err != nil {
			return err
		}
		kind64, err := reader.ReadVarUint()
		if err != nil {
			return err
		}
		kind := entity.MessageKind(kind64)

		codec, ok := r.kinds[kind]
		if !ok {
			return errUnknownKind
		}
		payload, err := codec.Decode(reader)
		if err != nil {
			return err
		}

		if wire.SequenceGreaterThan(authoritativeTick, tick) {
			continue // dropped: authoritative tick has already passed it
		}

		r.byTick[tick] = append(r.byTick[tick], Command{
			Tick:    tick,
			Channel: entity.ChannelKind(ch64),
			Kind:    kind,
			Payload: payload,
		})
	}
}

// Release returns and clears every command buffered for exactly tick,
// raising the host's Command(tick, payload) event per S4.
func (r *Receiver) Release(tick uint16) []Command {
	cmds := r.byTick[tick]
	delete(r.byTick, tick)
	return cmds
}

// DropBefore discards every buffered command older than authoritativeTick
// without notice, for ticks that never got a Release call (e.g. the
// client never sent anything further and the server simply moved on).
func (r *Receiver) DropBefore(authoritativeTick uint16) {
	for tick := range r.byTick {
		if wire.SequenceGreaterThan(authoritativeTick, tick) {
			delete(r.byTick, tick)
		}
	}
}
