// Package message implements the per-channel reliable/unreliable/ordered
// send and receive contract described in spec.md §4.5, generalized from
// the teacher's per-RPC ack/retransmit bookkeeping
// (pkg/custom/reliable/handlers.go: Bitset, MsgTx, txReq map) into
// per-channel, per-message-sequence bookkeeping plus an entity waitlist.
package message

import (
	"errors"
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/logging"
	"go.uber.org/zap"
)

// EntityWaitlistTTL is how long a message referencing a not-yet-known
// entity is held before being dropped silently (spec.md §4.5).
const EntityWaitlistTTL = 30 * time.Second

// minBackoffRTTMultiplier/maxBackoffRTTMultiplier implement the 1.5x RTT .. 8x RTT
// exponential retransmit window for reliable channels (spec.md §4.5).
const (
	minBackoffRTTMultiplier = 1.5
	maxBackoffRTTMultiplier = 8.0
)

// Received is a message delivered to the host after passing its
// channel's reliability/ordering contract.
type Received struct {
	Channel entity.ChannelKind
	Kind    entity.MessageKind
	Payload any
}

type outgoingMsg struct {
	seq      uint16
	kind     entity.MessageKind
	payload  any
	attempts int
	lastSent time.Time
	acked    bool
}

type sendState struct {
	cfg      ChannelConfig
	nextSeq  uint16
	queue    []*outgoingMsg          // not yet transmitted in any packet
	pending  map[uint16]*outgoingMsg // reliable: seq -> awaiting-ack
}

type recvState struct {
	cfg           ChannelConfig
	lastDelivered uint16          // sequenced: discard seq <= this
	haveDelivered bool
	seen          map[uint16]bool // unordered: dedup by sequence
	nextExpected  uint16          // ordered: contiguous delivery gate
	haveExpected  bool
	reorder       map[uint16]Received
}

type msgRef struct {
	channel entity.ChannelKind
	seq     uint16
}

type waitingMsg struct {
	channel   entity.ChannelKind
	kind      entity.MessageKind
	payload   any
	expiresAt time.Time
}

// Manager holds the send/receive state for every channel on one
// connection. It is not safe for concurrent use without external locking
// (the spec's single-task-per-connection model, spec.md §5).
type Manager struct {
	kinds *KindRegistry
	conv  entity.Converter

	send map[entity.ChannelKind]*sendState
	recv map[entity.ChannelKind]*recvState

	sentByPacket map[uint16][]msgRef
	waitlist     map[entity.Local][]waitingMsg
}

// NewManager creates a Manager for the given channel set.
func NewManager(channels []ChannelConfig, kinds *KindRegistry, conv entity.Converter) *Manager {
	m := &Manager{
		kinds:        kinds,
		conv:         conv,
		send:         make(map[entity.ChannelKind]*sendState),
		recv:         make(map[entity.ChannelKind]*recvState),
		sentByPacket: make(map[uint16][]msgRef),
		waitlist:     make(map[entity.Local][]waitingMsg),
	}
	for _, c := range channels {
		m.send[c.ID] = &sendState{cfg: c, pending: make(map[uint16]*outgoingMsg)}
		m.recv[c.ID] = &recvState{cfg: c, seen: make(map[uint16]bool), reorder: make(map[uint16]Received)}
	}
	return m
}

// Enqueue schedules payload for transmission on channel under kind's
// codec. Sequence numbers are assigned at enqueue time so ordered
// delivery reflects send order even across retransmits.
func (m *Manager) Enqueue(channel entity.ChannelKind, kind entity.MessageKind, payload any) {
	s, ok := m.send[channel]
	if !ok {
		logging.Warn("message: enqueue on unknown channel", zap.Uint8("channel", uint8(channel)))
		return
	}
	msg := &outgoingMsg{seq: s.nextSeq, kind: kind, payload: payload}
	s.nextSeq++
	s.queue = append(s.queue, msg)
}

// backoffDeadline returns how long to wait before retransmitting attempt
// N of a reliable message, given the current RTT estimate: 1.5*RTT for
// the first attempt, doubling thereafter and capped at 8*RTT.
func backoffDeadline(attempt int, rtt time.Duration) time.Duration {
	mult := minBackoffRTTMultiplier
	for i := 0; i < attempt; i++ {
		mult *= 2
	}
	if mult > maxBackoffRTTMultiplier {
		mult = maxBackoffRTTMultiplier
	}
	return time.Duration(float64(rtt) * mult)
}

// Pump requeues reliable messages whose retransmit deadline has elapsed
// without an ack, so the next WriteSection call will resend them, and
// drops any parked message whose entity-waitlist TTL has expired.
func (m *Manager) Pump(now time.Time, rtt time.Duration) {
	for _, s := range m.send {
		if s.cfg.Reliability != ReliableUnordered && s.cfg.Reliability != ReliableOrdered {
			continue
		}
		for seq, msg := range s.pending {
			if msg.acked {
				continue
			}
			deadline := backoffDeadline(msg.attempts-1, rtt)
			if now.Sub(msg.lastSent) >= deadline {
				delete(s.pending, seq)
				s.queue = append(s.queue, msg)
			}
		}
	}
	m.ExpireWaitlist(now)
}

// WriteSection writes the reliable/unreliable messages section of a data
// packet body (spec.md §4.7 step 3): repeated {continue=1, channel,
// kind, [seq for reliable], payload}, terminated by continue=0. It backs
// out cleanly (via the writer's savepoint) if a message no longer fits,
// leaving it queued for the next packet.
func (m *Manager) WriteSection(w *bitio.Writer, packetIndex uint16) error {
	var sentRefs []msgRef

	for chID, s := range m.send {
		remaining := s.queue[:0:0]
		for _, msg := range s.queue {
			sp := w.Mark()
			ok, err := m.tryWriteMessage(w, chID, s, msg)
			if err != nil {
				return err
			}
			if !ok {
				w.Rollback(sp)
				remaining = append(remaining, msg)
				continue
			}

			isReliable := s.cfg.Reliability == ReliableUnordered || s.cfg.Reliability == ReliableOrdered
			if isReliable {
				msg.attempts++
				msg.lastSent = time.Now()
				s.pending[msg.seq] = msg
				sentRefs = append(sentRefs, msgRef{channel: chID, seq: msg.seq})
			}
		}
		s.queue = remaining
	}

	if len(sentRefs) > 0 {
		m.sentByPacket[packetIndex] = append(m.sentByPacket[packetIndex], sentRefs...)
	}

	return w.WriteBool(false) // terminator
}

func (m *Manager) tryWriteMessage(w *bitio.Writer, chID entity.ChannelKind, s *sendState, msg *outgoingMsg) (bool, error) {
	if err := w.WriteBool(true); err != nil {
		return false, nil
	}
	if err := w.WriteVarUint(uint64(chID)); err != nil {
		return false, nil
	}
	if err := w.WriteVarUint(uint64(msg.kind)); err != nil {
		return false, nil
	}

	isReliable := s.cfg.Reliability == ReliableUnordered || s.cfg.Reliability == ReliableOrdered
	if isReliable || s.cfg.Reliability == UnreliableSequenced {
		if err := w.WriteUint16(msg.seq); err != nil {
			return false, nil
		}
	}

	if err := m.kinds.Encode(msg.kind, msg.payload, w, m.conv); err != nil {
		if errors.Is(err, bitio.ErrCapacityExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadSection reads the reliable/unreliable messages section, applying
// each channel's reliability contract, and returns the messages that
// cleared it. It does not itself check for unresolvable entity
// references — call FilterUnresolved on the result once the caller knows
// which LocalEntity values are spawned (spec.md §4.5).
func (m *Manager) ReadSection(r *bitio.Reader, now time.Time) ([]Received, error) {
	var out []Received
	for {
		cont, err := r.ReadBool()
		if err != nil {
			return out, err
		}
		if !cont {
			break
		}

		chID64, err := r.ReadVarUint()
		if err != nil {
			return out, err
		}
		chID := entity.ChannelKind(chID64)
		kind64, err := r.ReadVarUint()
		if err != nil {
			return out, err
		}
		kind := entity.MessageKind(kind64)

		rs, ok := m.recv[chID]
		if !ok {
			return out, errProtocol("message: unknown channel on receive")
		}

		var seq uint16
		hasSeq := rs.cfg.Reliability == ReliableUnordered || rs.cfg.Reliability == ReliableOrdered || rs.cfg.Reliability == UnreliableSequenced
		if hasSeq {
			seq, err = r.ReadUint16()
			if err != nil {
				return out, err
			}
		}

		payload, err := m.kinds.Decode(kind, r, m.conv)
		if err != nil {
			return out, err
		}

		rcv := Received{Channel: chID, Kind: kind, Payload: payload}
		delivered := m.admit(rs, seq, rcv)
		out = append(out, delivered...)
	}
	return out, nil
}

// admit applies the channel's reliability contract and returns zero or
// more messages now ready for delivery (more than one for reliable-
// ordered, when admitting this message unblocks a run of buffered ones).
func (m *Manager) admit(rs *recvState, seq uint16, rcv Received) []Received {
	switch rs.cfg.Reliability {
	case Unreliable:
		return []Received{rcv}

	case UnreliableSequenced:
		if rs.haveDelivered && !seqGreater(seq, rs.lastDelivered) {
			return nil // stale, discard
		}
		rs.lastDelivered = seq
		rs.haveDelivered = true
		return []Received{rcv}

	case ReliableUnordered:
		if rs.seen[seq] {
			return nil // duplicate, already delivered once
		}
		rs.seen[seq] = true
		return []Received{rcv}

	case ReliableOrdered:
		if rs.seen[seq] {
			return nil
		}
		rs.seen[seq] = true

		if seq != rs.nextExpected {
			rs.reorder[seq] = rcv
			return nil
		}

		var out []Received
		out = append(out, rcv)
		rs.nextExpected++
		for {
			next, ok := rs.reorder[rs.nextExpected]
			if !ok {
				break
			}
			delete(rs.reorder, rs.nextExpected)
			out = append(out, next)
			rs.nextExpected++
		}
		return out
	}
	return nil
}

func seqGreater(a, b uint16) bool {
	d := int16(a - b)
	return d > 0
}

// OnPacketAcked marks every reliable message sent in packetIndex as
// delivered, removing it from the retransmit-pending set.
func (m *Manager) OnPacketAcked(packetIndex uint16) {
	refs, ok := m.sentByPacket[packetIndex]
	if !ok {
		return
	}
	delete(m.sentByPacket, packetIndex)
	for _, ref := range refs {
		s, ok := m.send[ref.channel]
		if !ok {
			continue
		}
		if msg, ok := s.pending[ref.seq]; ok {
			msg.acked = true
			delete(s.pending, ref.seq)
		}
	}
}
