// Package tickbuffer implements the client-side command channel described
// in spec.md §4.6: commands are queued against a target tick and emitted
// on every send opportunity until the header ack confirms delivery,
// duplicated across packets as the client's only retransmit mechanism.
// Grounded on the same per-key pending-map shape as the teacher's
// ReliableClientHandler.txReq (pkg/custom/reliable/handlers.go), keyed by
// tick instead of RPCID.
package tickbuffer

import (
	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/wire"
)

// Command is a single queued client input, targeted at a future tick.
type Command struct {
	Tick    uint16
	Channel entity.ChannelKind
	Kind    entity.MessageKind
	Payload any
}

// Codec encodes/decodes a single registered command kind.
type Codec struct {
	Encode func(cmd any, w *bitio.Writer) error
	Decode func(r *bitio.Reader) (any, error)
}

// Sender is the client-side bounded per-channel queue, indexed by target
// tick.
type Sender struct {
	kinds map[entity.MessageKind]Codec
	byTick map[uint16][]*queuedCommand
	maxAhead uint16
}

type queuedCommand struct {
	channel entity.ChannelKind
	kind    entity.MessageKind
	payload any
	acked   bool
}

// NewSender creates a Sender. maxAhead bounds how far into the future
// (command_buffer_max_ahead, spec.md §6) a command may be scheduled.
func NewSender(maxAhead uint16) *Sender {
	return &Sender{
		kinds:  make(map[entity.MessageKind]Codec),
		byTick: make(map[uint16][]*queuedCommand),
		maxAhead: maxAhead,
	}
}

// RegisterKind associates a command kind with its codec.
func (s *Sender) RegisterKind(kind entity.MessageKind, codec Codec) {
	s.kinds[kind] = codec
}

// Enqueue schedules payload for delivery at tick targetTick, channel-keyed
// so multiple command streams (e.g. movement vs. actions) don't collide.
// Commands scheduled further than maxAhead past sendingTick are rejected.
func (s *Sender) Enqueue(targetTick uint16, channel entity.ChannelKind, kind entity.MessageKind, payload any, sendingTick uint16) bool {
	if s.maxAhead > 0 {
		delta := wire.SequenceDelta(targetTick, sendingTick)
		if delta > int16(s.maxAhead) {
			return false
		}
	}
	s.byTick[targetTick] = append(s.byTick[targetTick], &queuedCommand{channel: channel, kind: kind, payload: payload})
	return true
}

// DiscardBefore drops every command targeted earlier than
// serverReceivableTick without notice (spec.md §4.6's "discarded without
// notice" for stale commands).
func (s *Sender) DiscardBefore(serverReceivableTick uint16) {
	for tick := range s.byTick {
		if wire.SequenceGreaterThan(serverReceivableTick, tick) {
			delete(s.byTick, tick)
		}
	}
}

// WriteSection writes the tick-buffered messages section of a data
// packet body (spec.md §4.7 step 2): every command targeted in
// [serverReceivableTick, clientSendingTick] is emitted, duplicated across
// packets until acked. Format: repeated {continue=1, tick u16, channel
// varint, kind varint, payload}, terminated by continue=0.
func (s *Sender) WriteSection(w *bitio.Writer, serverReceivableTick, clientSendingTick uint16) error {
	for tick, cmds := range s.byTick {
		if wire.SequenceGreaterThan(serverReceivableTick, tick) {
			continue // stale, DiscardBefore will clean it up
		}
		if wire.SequenceGreaterThan(tick, clientSendingTick) {
			continue // too far ahead to send yet
		}
		for _, cmd := range cmds {
			if cmd.acked {
				continue
			}
			sp := w.Mark()
			ok, err := s.tryWriteCommand(w, tick, cmd)
			if err != nil {
				return err
			}
			if !ok {
				w.Rollback(sp)
				return w.WriteBool(false)
			}
		}
	}
	return w.WriteBool(false)
}

func (s *Sender) tryWriteCommand(w *bitio.Writer, tick uint16, cmd *queuedCommand) (bool, error) {
	if err := w.WriteBool(true); err != nil {
		return false, nil
	}
	if err := w.WriteUint16(tick); err != nil {
		return false, nil
	}
	if err := w.WriteVarUint(uint64(cmd.channel)); err != nil {
		return false, nil
	}
	if err := w.WriteVarUint(uint64(cmd.kind)); err != nil {
		return false, nil
	}
	codec, ok := s.kinds[cmd.kind]
	if !ok {
		return false, nil
	}
	if err := codec.Encode(cmd.payload, w); err != nil {
		return false, err
	}
	return true, nil
}

// MarkAckedUpTo tells the sender that the server has acknowledged receipt
// through serverTick (carried on the header's last-received-tick field),
// so commands at or before that tick need no further duplication.
func (s *Sender) MarkAckedUpTo(serverTick uint16) {
	for tick, cmds := range s.byTick {
		if tick == serverTick || wire.SequenceGreaterThan(serverTick, tick) {
			for _, c := range cmds {
				c.acked = true
			}
		}
	}
}

// Pending returns the number of distinct ticks with at least one
// unacknowledged command still queued, for diagnostics/tests.
func (s *Sender) Pending() int {
	n := 0
	for _, cmds := range s.byTick {
		for _, c := range cmds {
			if !c.acked {
				n++
				break
			}
		}
	}
	return n
}
