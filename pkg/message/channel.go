package message

import "github.com/pbalcer/naia/pkg/entity"

// Reliability is one axis of the channel cartesian product described in
// spec.md §3 (the other axis, direction, is implicit in which side calls
// Send/Receive on a given channel).
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableOrdered
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return "unknown"
	}
}

// ChannelConfig declares one channel's send-side policy.
type ChannelConfig struct {
	ID          entity.ChannelKind
	Reliability Reliability
}
