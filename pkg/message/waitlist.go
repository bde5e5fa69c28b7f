package message

import (
	"errors"
	"time"

	"github.com/pbalcer/naia/pkg/entity"
)

func errProtocol(msg string) error { return errors.New(msg) }

// Park holds a decoded message that referenced a LocalEntity not yet
// known on this connection (spec.md §4.5), keyed by the missing entity
// (the only entity identifier a receiver ever has — GlobalEntity is
// server-authoritative bookkeeping and is never itself on the wire).
// Release or ExpireWaitlist eventually clears it.
func (m *Manager) Park(missing entity.Local, channel entity.ChannelKind, kind entity.MessageKind, payload any, now time.Time) {
	m.waitlist[missing] = append(m.waitlist[missing], waitingMsg{
		channel:   channel,
		kind:      kind,
		payload:   payload,
		expiresAt: now.Add(EntityWaitlistTTL),
	})
}

// Release returns and clears every message parked on local, for delivery
// now that local has been spawned on this connection.
func (m *Manager) Release(local entity.Local) []Received {
	waiting, ok := m.waitlist[local]
	if !ok {
		return nil
	}
	delete(m.waitlist, local)

	out := make([]Received, 0, len(waiting))
	for _, w := range waiting {
		out = append(out, Received{Channel: w.channel, Kind: w.kind, Payload: w.payload})
	}
	return out
}

// ExpireWaitlist drops every parked message whose TTL has elapsed,
// silently, as spec.md §4.5 requires.
func (m *Manager) ExpireWaitlist(now time.Time) {
	for local, waiting := range m.waitlist {
		kept := waiting[:0]
		for _, w := range waiting {
			if now.Before(w.expiresAt) {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(m.waitlist, local)
		} else {
			m.waitlist[local] = kept
		}
	}
}

// FilterUnresolved splits received into messages ready for delivery and
// messages that reference a LocalEntity known(local) reports as not yet
// spawned on this connection; the latter are parked rather than returned
// (spec.md §4.5). Kinds with no RefersTo codec are always ready.
func (m *Manager) FilterUnresolved(received []Received, known func(entity.Local) bool, now time.Time) []Received {
	ready := received[:0:0]
	for _, rcv := range received {
		if local, refs := m.kinds.RefersTo(rcv.Kind, rcv.Payload); refs && !known(local) {
			m.Park(local, rcv.Channel, rcv.Kind, rcv.Payload, now)
			continue
		}
		ready = append(ready, rcv)
	}
	return ready
}
