package connection

import "github.com/pbalcer/naia/pkg/wire"

// AckWindow is the number of packet indices before LastAckIndex covered
// by the header's ack bitfield (spec.md §6).
const AckWindow = 32

// recvAckState tracks which packet indices have been received from the
// peer, producing the (last-ack-index, ack-bitfield) pair this side
// stamps into its own outgoing header. Generalized from the teacher's
// ack bitset (pkg/custom/ack) to the header-carried, no-separate-ack-
// packet scheme spec.md §6 describes.
type recvAckState struct {
	have     bool
	lastSeen uint16
	bitfield uint32
}

// Record notes that packetIndex has been received.
func (s *recvAckState) Record(packetIndex uint16) {
	if !s.have {
		s.have = true
		s.lastSeen = packetIndex
		return
	}
	if packetIndex == s.lastSeen {
		return
	}
	if wire.SequenceGreaterThan(packetIndex, s.lastSeen) {
		shift := uint(wire.SequenceDelta(packetIndex, s.lastSeen))
		if shift > AckWindow {
			s.bitfield = 0
		} else {
			s.bitfield = (s.bitfield << shift) | (1 << (shift - 1))
		}
		s.lastSeen = packetIndex
		return
	}
	delta := wire.SequenceDelta(s.lastSeen, packetIndex)
	if delta >= 1 && int(delta) <= AckWindow {
		s.bitfield |= 1 << uint(delta-1)
	}
}

// Header returns the (last-ack-index, ack-bitfield) pair to stamp into
// the next outgoing StandardHeader.
func (s *recvAckState) Header() (uint16, uint32) {
	return s.lastSeen, s.bitfield
}

// sentAckState tracks our own sent packet indices awaiting the peer's
// acknowledgement, so callers (message.Manager, world.HostWorldManager,
// tickbuffer.Sender) learn exactly once which of their sends landed.
type sentAckState struct {
	pending map[uint16]bool
}

func newSentAckState() *sentAckState {
	return &sentAckState{pending: make(map[uint16]bool)}
}

// MarkSent records that packetIndex was just transmitted.
func (s *sentAckState) MarkSent(packetIndex uint16) {
	s.pending[packetIndex] = true
}

// ProcessAck consumes the peer's (last-ack-index, ack-bitfield) header
// fields and returns every packet index newly confirmed delivered.
// Each pending index is reported at most once across repeated calls.
func (s *sentAckState) ProcessAck(lastAck uint16, bitfield uint32) []uint16 {
	var acked []uint16
	check := func(idx uint16) {
		if s.pending[idx] {
			delete(s.pending, idx)
			acked = append(acked, idx)
		}
	}
	check(lastAck)
	for i := 0; i < AckWindow; i++ {
		if bitfield&(1<<uint(i)) != 0 {
			check(lastAck - uint16(i) - 1)
		}
	}
	return acked
}
