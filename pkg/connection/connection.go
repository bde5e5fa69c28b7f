// Package connection composes the per-peer state machines (messages,
// replicated world, tick-buffered commands, ack tracking, liveness
// timers) into the single BaseConnection object spec.md §4 describes,
// and assembles/parses the data packet body in the fixed order spec.md
// §6 specifies. Grounded on the teacher's Session type
// (internal/session or equivalent composite wrapping a transport plus
// per-RPC bookkeeping), generalized to naia's channel/world/tick-
// buffer trio.
package connection

import (
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/jitter"
	"github.com/pbalcer/naia/pkg/logging"
	"github.com/pbalcer/naia/pkg/message"
	"github.com/pbalcer/naia/pkg/tickbuffer"
	"github.com/pbalcer/naia/pkg/ticktime"
	"github.com/pbalcer/naia/pkg/transport"
	"github.com/pbalcer/naia/pkg/wire"
	"github.com/pbalcer/naia/pkg/world"
	"go.uber.org/zap"
)

// HeartbeatInterval/DropTimeout bound connection liveness (spec.md
// §4.2/§4.9): a connection not heard from in DropTimeout is dead; one
// not sent to in HeartbeatInterval gets an empty heartbeat so NAT
// mappings and the ack stream stay alive.
const (
	HeartbeatInterval = 1 * time.Second
	DropTimeout       = 10 * time.Second
)

// Inbound is everything a single incoming data packet yielded after
// BaseConnection decoded it.
type Inbound struct {
	Header   wire.StandardHeader
	Messages []message.Received
	Acked    []uint16 // our own packet indices the peer just confirmed
}

// releasingSink wraps a caller's world.Sink so that a newly-spawned
// entity immediately releases any messages message.Manager parked while
// waiting on it (spec.md §4.5), folding them into the packet's Inbound
// result alongside the entity-spawn notification itself.
type releasingSink struct {
	world.Sink
	messages *message.Manager
	released []message.Received
}

func (s *releasingSink) OnSpawn(local entity.Local) {
	if parked := s.messages.Release(local); len(parked) > 0 {
		s.released = append(s.released, parked...)
	}
	s.Sink.OnSpawn(local)
}

// bufferedBody is a decoded-but-unapplied packet body held in a
// BaseConnection's jitter buffer: the messages section has already been
// read, so bitPos resumes right where the world sections start.
type bufferedBody struct {
	header wire.StandardHeader
	body   []byte
	bitPos int
}

// BaseConnection is the full per-peer state naia tracks, symmetric
// between client and server roles; IsClient only changes which
// sections the wire assembly includes (spec.md §6: client_sending_tick
// and the tick-buffered section are client->server only).
type BaseConnection struct {
	IsClient bool

	Time     *ticktime.Manager
	Messages *message.Manager
	Host     *world.HostWorldManager   // entities this side replicates out
	Remote   *world.RemoteWorldManager // entities the peer replicates to this side

	CommandsOut *tickbuffer.Sender   // client role only
	CommandsIn  *tickbuffer.Receiver // server role only

	recvAck recvAckState
	sentAck *sentAckState

	nextPacketIndex uint16
	lastHeard       time.Time
	lastSent        time.Time

	cipher *transport.Cipher

	// jitterBuf holds decoded world sections until the local clock
	// reaches the tick they were produced for (spec.md §4.4/§4.8),
	// present whenever this side replicates a peer's world (Remote !=
	// nil) so reordered data packets apply in tick order rather than
	// arrival order.
	jitterBuf *jitter.Buffer

	packetsSent uint64
	packetsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
}

// Stats is a snapshot of one connection's traffic counters and clock
// estimates, for diagnostics/metrics surfaces.
type Stats struct {
	PacketsSent uint64
	PacketsRecv uint64
	BytesSent   uint64
	BytesRecv   uint64
	RTT         time.Duration
	Jitter      time.Duration
}

// Stats reports this connection's traffic counters and current RTT/
// jitter estimate as of the last WriteOutgoingPacket/ReadIncomingPacket
// call.
func (c *BaseConnection) Stats() Stats {
	return Stats{
		PacketsSent: c.packetsSent,
		PacketsRecv: c.packetsRecv,
		BytesSent:   c.bytesSent,
		BytesRecv:   c.bytesRecv,
		RTT:         c.Time.RTT(),
		Jitter:      c.Time.Jitter(),
	}
}

// Option configures optional BaseConnection behavior not every caller
// needs, following the same opt-in-element shape as the rest of naia's
// defaults-first construction.
type Option func(*BaseConnection)

// WithCipher enables AES-256-GCM encryption of the packet body (every
// section after the fixed header) under cipher. Off by default: naia's
// handshake (pkg/handshake) authenticates a connection's identity but
// makes no confidentiality claim, so payload encryption is an explicit
// opt-in for deployments that need it.
func WithCipher(cipher *transport.Cipher) Option {
	return func(c *BaseConnection) { c.cipher = cipher }
}

// New creates a BaseConnection. Any of Host/Remote/CommandsOut/
// CommandsIn may be nil when this peer plays no role on that axis
// (e.g. a server connection has no CommandsOut, a pure spectator client
// might have no Host).
func New(isClient bool, tm *ticktime.Manager, messages *message.Manager, host *world.HostWorldManager, remote *world.RemoteWorldManager, cmdOut *tickbuffer.Sender, cmdIn *tickbuffer.Receiver, opts ...Option) *BaseConnection {
	c := &BaseConnection{
		IsClient:    isClient,
		Time:        tm,
		Messages:    messages,
		Host:        host,
		Remote:      remote,
		CommandsOut: cmdOut,
		CommandsIn:  cmdIn,
		sentAck:     newSentAckState(),
	}
	if remote != nil {
		c.jitterBuf = jitter.NewBuffer(tm.JitterBufferMaxDepth())
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkHeard records that a valid packet arrived from the peer at now.
func (c *BaseConnection) MarkHeard(now time.Time) { c.lastHeard = now }

// ShouldDrop reports whether the peer has been silent past DropTimeout.
func (c *BaseConnection) ShouldDrop(now time.Time) bool {
	return !c.lastHeard.IsZero() && now.Sub(c.lastHeard) > DropTimeout
}

// ShouldSendHeartbeat reports whether it's been too long since this
// side last sent anything to the peer.
func (c *BaseConnection) ShouldSendHeartbeat(now time.Time) bool {
	return c.lastSent.IsZero() || now.Sub(c.lastSent) > HeartbeatInterval
}

// NextPacketIndex allocates the next outgoing packet index.
func (c *BaseConnection) NextPacketIndex() uint16 {
	idx := c.nextPacketIndex
	c.nextPacketIndex++
	return idx
}

// WriteOutgoingPacket assembles a full data packet (header + body) for
// packetIndex, in the order spec.md §6 fixes: header, client_sending_tick
// (client role only), tick-buffered commands (client role only),
// reliable/unreliable messages, entity updates, entity actions. A spawn's
// initial component values travel as insert-component actions, not
// updates, so updates never depend on an action from the same packet
// having been applied first.
func (c *BaseConnection) WriteOutgoingPacket(packetIndex uint16, now time.Time, source world.ComponentSource) ([]byte, error) {
	lastAck, bitfield := c.recvAck.Header()
	header := wire.StandardHeader{
		PacketType:   wire.PacketData,
		PacketIndex:  packetIndex,
		LastAckIndex: lastAck,
		AckBitfield:  bitfield,
	}
	if c.IsClient {
		if st, ok := c.Time.ServerTick(); ok {
			header.LastReceivedTick = st
		}
	} else {
		// Stamps this packet with the producing tick so the client's
		// jitter buffer (pkg/jitter) can key and release it in tick
		// order; client packets instead echo the server tick they're
		// acking, handled above.
		header.LastReceivedTick = c.Time.LocalTick()
	}

	w := bitio.NewWriter(508 - wire.HeaderSize)
	defer w.Release()

	var clientSendingTick uint16
	if c.IsClient {
		clientSendingTick = c.Time.ClientSendingTick()
		if err := w.WriteUint16(clientSendingTick); err != nil {
			return nil, err
		}
		if c.CommandsOut != nil {
			serverReceivable, _ := c.Time.ServerTick()
			if err := c.CommandsOut.WriteSection(w, serverReceivable, clientSendingTick); err != nil {
				return nil, err
			}
		}
	}

	if err := c.Messages.WriteSection(w, packetIndex); err != nil {
		return nil, err
	}

	if c.Host != nil {
		if err := c.Host.WriteUpdatesSection(w, packetIndex, source); err != nil {
			return nil, err
		}
		if err := c.Host.WriteActionsSection(w, packetIndex); err != nil {
			return nil, err
		}
	}

	c.sentAck.MarkSent(packetIndex)
	c.lastSent = now

	body := w.Bytes()
	if c.cipher != nil {
		sealed, err := c.cipher.Seal(body)
		if err != nil {
			return nil, err
		}
		body = sealed
	}

	out := make([]byte, 0, wire.HeaderSize+len(body))
	out = append(out, header.Encode()...)
	out = append(out, body...)

	c.packetsSent++
	c.bytesSent += uint64(len(out))
	return out, nil
}

// ReadIncomingPacket decodes a data packet received from the peer:
// header/ack bookkeeping and tick-buffered commands (server role) and
// messages are applied immediately, but a connection replicating a
// peer's world (Remote != nil) hands the still-undecoded world
// sections to its jitter buffer (pkg/jitter) instead of applying them
// on the spot, then drains whatever that buffer now allows released at
// Time.ClientReceivingTick() (spec.md §4.4/§4.8) — which may be this
// packet, an earlier one that was waiting on it, several at once, or
// none at all. A connection with no Remote (server role) has no world
// to buffer and applies nothing of the kind.
func (c *BaseConnection) ReadIncomingPacket(data []byte, now time.Time, sink world.Sink) (Inbound, error) {
	header, body, err := wire.Decode(data)
	if err != nil {
		return Inbound{}, err
	}

	if c.cipher != nil {
		opened, err := c.cipher.Open(body)
		if err != nil {
			return Inbound{}, err
		}
		body = opened
	}

	c.lastHeard = now
	c.packetsRecv++
	c.bytesRecv += uint64(len(data))
	c.recvAck.Record(header.PacketIndex)
	acked := c.sentAck.ProcessAck(header.LastAckIndex, header.AckBitfield)

	if c.IsClient {
		c.Time.RecordServerTick(header.LastReceivedTick)
	} else if c.CommandsOut != nil {
		c.CommandsOut.MarkAckedUpTo(header.LastReceivedTick)
	}

	r := bitio.NewReader(body)

	if !c.IsClient {
		// The client's self-reported sending tick is consumed here to
		// stay framed with how WriteOutgoingPacket wrote it; command
		// buffering itself is keyed against this server's own local
		// tick, not the client's estimate of it.
		if _, err := r.ReadUint16(); err != nil {
			return Inbound{}, err
		}
		if c.CommandsIn != nil {
			if err := c.CommandsIn.ReadSection(r, c.Time.LocalTick()); err != nil {
				return Inbound{}, err
			}
		}
	}

	received, err := c.Messages.ReadSection(r, now)
	if err != nil {
		return Inbound{}, err
	}

	var worldReceived []message.Received
	if c.Remote != nil {
		received = c.Messages.FilterUnresolved(received, c.Remote.Known, now)

		c.jitterBuf.Add(header.LastReceivedTick, bufferedBody{header: header, body: body, bitPos: r.BitPos()})
		worldReceived, err = c.drainJitterBuffer(sink)
		if err != nil {
			return Inbound{}, err
		}
		received = append(received, worldReceived...)
	}

	for _, idx := range acked {
		c.Messages.OnPacketAcked(idx)
		if c.Host != nil {
			c.Host.OnPacketAcked(idx)
		}
	}

	return Inbound{Header: header, Messages: received, Acked: acked}, nil
}

// ReleaseDue drains any data packets the jitter buffer is still holding
// once enough time (ticks) has passed to release them, even though no
// new packet has arrived to trigger the check — the per-tick half of
// buffer_data_packet/read_buffered_packets (spec.md §4.4/§4.8). Call
// once per local tick advance; a nil Remote or an empty buffer makes
// this a no-op.
func (c *BaseConnection) ReleaseDue(sink world.Sink) ([]message.Received, error) {
	if c.Remote == nil {
		return nil, nil
	}
	return c.drainJitterBuffer(sink)
}

// drainJitterBuffer releases and applies every buffered body whose tick
// has come up per Time.ClientReceivingTick, in tick order, returning the
// messages any newly-spawned entity's waitlist released as a side
// effect.
func (c *BaseConnection) drainJitterBuffer(sink world.Sink) ([]message.Received, error) {
	var received []message.Received
	for _, item := range c.jitterBuf.DrainUpTo(c.Time.ClientReceivingTick()) {
		bb := item.Payload.(bufferedBody)
		resumed := bitio.Resume(bb.body, bb.bitPos)

		released := &releasingSink{Sink: sink, messages: c.Messages}
		if err := c.Remote.ReadUpdatesSection(resumed, bb.header.PacketIndex, released); err != nil {
			logging.Warn("world: dropping connection after protocol error", zap.Error(err))
			return nil, err
		}
		if err := c.Remote.ReadActionsSection(resumed, released); err != nil {
			logging.Warn("world: dropping connection after protocol error", zap.Error(err))
			return nil, err
		}
		received = append(received, released.released...)
	}
	return received, nil
}

// Pump drives time-based retry/backoff bookkeeping that isn't tied to
// any single packet: reliable message retransmit and world action
// retransmit.
func (c *BaseConnection) Pump(now time.Time) {
	rtt := c.Time.RTT()
	c.Messages.Pump(now, rtt)
	if c.Host != nil {
		c.Host.Pump(now, rtt)
	}
}
