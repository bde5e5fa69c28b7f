package world

import (
	"time"

	"github.com/pbalcer/naia/pkg/entity"
)

// ActionTag identifies the kind of entity action carried in the
// actions section of a data packet (spec.md §4.7, §6 packet assembly
// step 6).
type ActionTag uint8

const (
	ActionSpawn ActionTag = iota
	ActionDespawn
	ActionInsertComponent
	ActionRemoveComponent
)

// action is a single queued, at-most-once entity mutation awaiting
// transmission or acknowledgement. The packet-scoped id (assigned when
// queued) lets OnPacketAcked finalize it exactly once even if
// retransmitted under a different packet index first.
type action struct {
	id     uint64
	tag    ActionTag
	entity entity.Global
	local  entity.Local
	kind   entity.ComponentKind // InsertComponent/RemoveComponent only
	value  any                  // InsertComponent only: full component value

	attempts int
	eligible bool      // may be written into the next packet
	lastSent time.Time // when last written, for retransmit backoff
	acked    bool
}
