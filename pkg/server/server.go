// Package server implements naia's authoritative server loop: a single
// goroutine multiplexing socket receipt, tick advance, and per-connection
// liveness/retry pumping, dispatching by packet type exactly the way the
// teacher's rpc.Server.Start loop dispatches by service/method (compare
// pkg/rpc/server.go's `for { data, addr, ... := transport.Receive(...) }`
// in the retrieval pack). Handshake, heartbeat, and data packets are
// handled inline on that one goroutine so no connection's state is ever
// touched concurrently (spec.md §5).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pbalcer/naia/pkg/connection"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/handshake"
	"github.com/pbalcer/naia/pkg/logging"
	"github.com/pbalcer/naia/pkg/message"
	"github.com/pbalcer/naia/pkg/room"
	"github.com/pbalcer/naia/pkg/tickbuffer"
	"github.com/pbalcer/naia/pkg/ticktime"
	"github.com/pbalcer/naia/pkg/transport"
	"github.com/pbalcer/naia/pkg/wire"
	"github.com/pbalcer/naia/pkg/world"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config bundles everything a Server needs to know before it can accept
// connections: the wire vocabulary (channels, message/component kinds)
// every peer will share, and the tick cadence to run at.
type Config struct {
	Address      string
	Channels     []message.ChannelConfig
	MessageKinds *message.KindRegistry
	Components   *world.ComponentRegistry
	CommandKinds map[entity.MessageKind]tickbuffer.Codec
	TickConfig   ticktime.Config
	Cipher       *transport.Cipher // optional, see connection.WithCipher
}

// EventKind tags the variant of an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventTick
	EventMessage
	EventCommand
)

// Event is a single notification the server loop raises for the hosting
// application to consume (spec.md §4.8's Connection/Disconnection/Tick/
// Message/Command events).
type Event struct {
	Kind    EventKind
	User    room.UserKey
	Tick    uint16
	Message message.Received
	Command tickbuffer.Command
	Reason  wire.DisconnectReason // set on EventDisconnected
}

const (
	timerTick  = transport.TimerKey(1)
	timerSweep = transport.TimerKey(2)
)

type peer struct {
	addr      net.Addr
	user      room.UserKey
	conn      *connection.BaseConnection
	connected bool
}

// Server is naia's authoritative endpoint: it owns one UDP socket, a
// room/scope registry for replication visibility, and one BaseConnection
// per connected client (each minting its own LocalEntity space, per
// spec.md §3).
type Server struct {
	cfg    Config
	socket transport.Socket
	auth   *handshake.Authority

	Rooms *room.Registry
	Scope *room.ScopeMap

	mu       sync.Mutex
	peers    map[string]*peer // addr.String() -> peer
	byUser   map[room.UserKey]*peer
	nextUser uint64

	events chan Event
	timers *transport.TimerManager
}

// New creates a Server bound to cfg.Address with an empty room registry
// and a default-false ScopeMap (no entity replicates to any user until
// the host configures rooms/predicates/pawns).
func New(cfg Config, predicate room.Predicate) (*Server, error) {
	socket, err := transport.Listen(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	auth, err := handshake.NewAuthority()
	if err != nil {
		return nil, fmt.Errorf("server: handshake authority: %w", err)
	}
	return &Server{
		cfg:    cfg,
		socket: socket,
		auth:   auth,
		Rooms:  room.NewRegistry(),
		Scope:  room.NewScopeMap(predicate),
		peers:  make(map[string]*peer),
		byUser: make(map[room.UserKey]*peer),
		events: make(chan Event, 256),
		timers: transport.NewTimerManager(),
	}, nil
}

// Events returns the channel of Event values the hosting application
// should drain; it is closed when Run returns.
func (s *Server) Events() <-chan Event { return s.events }

// LocalAddr returns the socket's bound address, useful when Config.Address
// requested an ephemeral port ("host:0").
func (s *Server) LocalAddr() net.Addr { return s.socket.LocalAddr() }

// Run drives the server loop until ctx is canceled: a recv-pump
// goroutine feeds datagrams into this goroutine's select, which also
// wakes on every tick interval to advance the clock, evaluate scope
// transitions, and pump per-connection retry/backoff state. Every
// connection mutation happens here, never on the recv-pump goroutine
// or a timer callback, preserving spec.md §5's single-task-per-
// connection model.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.socket.Close()
	defer s.timers.Stop()

	type datagram struct {
		data []byte
		addr net.Addr
	}
	recvCh := make(chan datagram, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, transport.MaxDatagramSize)
		for {
			n, addr, err := s.socket.Recv(buf)
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					logging.Warn("server: recv failed", zap.Error(err))
					continue
				}
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case recvCh <- datagram{data: cp, addr: addr}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	// TimerManager's callbacks run on their own goroutines (pkg/transport
	// doc comment), so each one here does nothing but signal a channel;
	// onTick/onSweep themselves only ever run on this select loop.
	tickCh := make(chan time.Time, 1)
	sweepCh := make(chan time.Time, 1)
	signal := func(ch chan time.Time) func() {
		return func() {
			select {
			case ch <- time.Now():
			default:
			}
		}
	}
	s.timers.SchedulePeriodic(timerTick, s.cfg.TickConfig.TickInterval, signal(tickCh))
	s.timers.SchedulePeriodic(timerSweep, connection.HeartbeatInterval, signal(sweepCh))

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case dg := <-recvCh:
				s.handleDatagram(dg.data, dg.addr)
			case now := <-tickCh:
				s.onTick(now)
			case now := <-sweepCh:
				s.onSweep(now)
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) onTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.Scope.Evaluate(s.Rooms) {
		p, ok := s.byUser[t.User]
		if !ok || !p.connected {
			continue
		}
		if t.InScope {
			p.conn.Host.Spawn(t.Entity)
		} else {
			p.conn.Host.Despawn(t.Entity)
		}
	}

	for _, p := range s.peers {
		if !p.connected {
			continue
		}
		tickIdx := p.conn.Time.AdvanceLocalTick()
		p.conn.Pump(now)
		select {
		case s.events <- Event{Kind: EventTick, User: p.user, Tick: tickIdx}:
		default:
			logging.Warn("server: event channel full, dropping tick event", zap.Uint64("user", uint64(p.user)))
		}
	}
}

func (s *Server) onSweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.peers {
		if !p.connected {
			continue
		}
		if p.conn.ShouldDrop(now) {
			s.disconnectLocked(key, p, wire.DisconnectTimeout)
			continue
		}
		if p.conn.ShouldSendHeartbeat(now) {
			s.socket.Send(p.addr, wire.StandardHeader{PacketType: wire.PacketHeartbeat}.Encode())
		}
		if p.conn.Time.ShouldSendPing(now) {
			out := wire.StandardHeader{PacketType: wire.PacketPing}.Encode()
			out = append(out, wire.EncodePingPong(now.UnixNano())...)
			s.socket.Send(p.addr, out)
			p.conn.Time.MarkPingSent(now)
		}
	}
}

func (s *Server) disconnectLocked(key string, p *peer, reason wire.DisconnectReason) {
	delete(s.peers, key)
	delete(s.byUser, p.user)
	select {
	case s.events <- Event{Kind: EventDisconnected, User: p.user, Reason: reason}:
	default:
	}
}

// WriteTo assembles and sends the next outgoing data packet for user's
// connection, using source to resolve current component values for any
// dirty/spawned entities in that connection's scope.
func (s *Server) WriteTo(user room.UserKey, source world.ComponentSource) error {
	s.mu.Lock()
	p, ok := s.byUser[user]
	s.mu.Unlock()
	if !ok || !p.connected {
		return fmt.Errorf("server: unknown user %d", user)
	}
	idx := p.conn.NextPacketIndex()
	data, err := p.conn.WriteOutgoingPacket(idx, time.Now(), source)
	if err != nil {
		return err
	}
	return s.socket.Send(p.addr, data)
}

// Broadcast calls WriteTo for every connected user.
func (s *Server) Broadcast(source world.ComponentSource) {
	s.mu.Lock()
	users := make([]room.UserKey, 0, len(s.byUser))
	for u, p := range s.byUser {
		if p.connected {
			users = append(users, u)
		}
	}
	s.mu.Unlock()
	for _, u := range users {
		if err := s.WriteTo(u, source); err != nil {
			logging.Warn("server: write failed", zap.Uint64("user", uint64(u)), zap.Error(err))
		}
	}
}

func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	header, body, err := wire.Decode(data)
	if err != nil {
		logging.Warn("server: malformed header, dropping packet", zap.Error(err))
		return
	}

	switch header.PacketType {
	case wire.PacketClientChallengeRequest:
		s.handleChallenge(body, addr)
	case wire.PacketClientConnectRequest:
		s.handleConnect(body, addr)
	case wire.PacketData:
		s.handleData(data, addr)
	case wire.PacketHeartbeat:
		s.touchPeer(addr)
	case wire.PacketDisconnect:
		s.handleDisconnect(body, addr)
	case wire.PacketPing:
		s.handlePing(body, addr)
	case wire.PacketPong:
		s.handlePong(body, addr)
	default:
		logging.Warn("server: unexpected packet type", zap.String("type", header.PacketType.String()))
	}
}

func (s *Server) handleChallenge(body []byte, addr net.Addr) {
	req, err := handshake.DecodeChallengeRequest(body)
	if err != nil {
		logging.Warn("server: malformed challenge request", zap.Error(err))
		return
	}

	s.mu.Lock()
	clientID := s.nextUser
	s.nextUser++
	s.mu.Unlock()

	resp := s.auth.Challenge(req, clientID, time.Now())
	out := wire.StandardHeader{PacketType: wire.PacketServerChallengeResponse}.Encode()
	out = append(out, handshake.EncodeChallengeResponse(resp)...)
	if err := s.socket.Send(addr, out); err != nil {
		logging.Warn("server: send challenge response failed", zap.Error(err))
	}
}

func (s *Server) handleConnect(body []byte, addr net.Addr) {
	req, err := handshake.DecodeConnectRequest(body)
	if err != nil {
		logging.Warn("server: malformed connect request", zap.Error(err))
		return
	}
	if err := s.auth.VerifyConnect(req, time.Now()); err != nil {
		logging.Warn("server: rejected connect request", zap.String("addr", addr.String()), zap.Error(err))
		return
	}

	user := room.UserKey(req.ClientID)
	host := world.NewHostWorldManager(s.cfg.Components)
	tm := ticktime.NewManager(s.cfg.TickConfig)
	msgs := message.NewManager(s.cfg.Channels, s.cfg.MessageKinds, host.Converter())
	cmdIn := tickbuffer.NewReceiver(s.cfg.CommandKinds)

	var opts []connection.Option
	if s.cfg.Cipher != nil {
		opts = append(opts, connection.WithCipher(s.cfg.Cipher))
	}
	conn := connection.New(false, tm, msgs, host, nil, nil, cmdIn, opts...)
	conn.MarkHeard(time.Now())

	p := &peer{addr: addr, user: user, conn: conn, connected: true}

	s.mu.Lock()
	s.peers[addr.String()] = p
	s.byUser[user] = p
	s.mu.Unlock()

	out := wire.StandardHeader{PacketType: wire.PacketServerConnectResponse}.Encode()
	out = append(out, handshake.EncodeConnectResponse(handshake.ServerConnectResponse{ClientID: req.ClientID})...)
	if err := s.socket.Send(addr, out); err != nil {
		logging.Warn("server: send connect response failed", zap.Error(err))
		return
	}

	select {
	case s.events <- Event{Kind: EventConnected, User: user}:
	default:
		logging.Warn("server: event channel full, dropping connect event", zap.Uint64("user", uint64(user)))
	}
}

func (s *Server) handleData(data []byte, addr net.Addr) {
	s.mu.Lock()
	p, ok := s.peers[addr.String()]
	s.mu.Unlock()
	if !ok || !p.connected {
		return
	}

	// ReadIncomingPacket takes the full datagram and re-parses the
	// header itself to recover the ack fields and tick.
	in, err := p.conn.ReadIncomingPacket(data, time.Now(), nopSink{})
	if err != nil {
		logging.Warn("server: dropping connection after read error", zap.String("addr", addr.String()), zap.Error(err))
		s.mu.Lock()
		s.disconnectLocked(addr.String(), p, wire.DisconnectProtocolViolation)
		s.mu.Unlock()
		return
	}

	for _, msg := range in.Messages {
		select {
		case s.events <- Event{Kind: EventMessage, User: p.user, Message: msg}:
		default:
			logging.Warn("server: event channel full, dropping message event")
		}
	}
	// Commands are released exactly at the authoritative tick they
	// target (spec.md §4.6, S4); onTick already advanced this
	// connection's clock before any data packet for the new tick can
	// arrive, so releasing at the current local tick here is safe.
	for _, cmd := range p.conn.CommandsIn.Release(p.conn.Time.LocalTick()) {
		select {
		case s.events <- Event{Kind: EventCommand, User: p.user, Command: cmd}:
		default:
			logging.Warn("server: event channel full, dropping command event")
		}
	}
}

func (s *Server) touchPeer(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr.String()]; ok {
		p.conn.MarkHeard(time.Now())
	}
}

func (s *Server) handleDisconnect(body []byte, addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr.String()]; ok {
		s.disconnectLocked(addr.String(), p, wire.DecodeDisconnect(body))
	}
}

// handlePing replies to an RTT probe from addr with a Pong echoing the
// same nonce, without needing the peer to already be connected (the
// probe exists to keep the RTT estimate fresh through otherwise-quiet
// periods, so it doesn't gate on handshake state the way data packets
// do).
func (s *Server) handlePing(body []byte, addr net.Addr) {
	nonce, err := wire.DecodePingPong(body)
	if err != nil {
		logging.Warn("server: malformed ping", zap.Error(err))
		return
	}
	out := wire.StandardHeader{PacketType: wire.PacketPong}.Encode()
	out = append(out, wire.EncodePingPong(nonce)...)
	if err := s.socket.Send(addr, out); err != nil {
		logging.Warn("server: send pong failed", zap.Error(err))
	}
}

func (s *Server) handlePong(body []byte, addr net.Addr) {
	nonce, err := wire.DecodePingPong(body)
	if err != nil {
		logging.Warn("server: malformed pong", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr.String()]
	if !ok {
		return
	}
	p.conn.Time.RecordRTTSample(time.Since(time.Unix(0, nonce)))
}

// nopSink is used when decoding data packets server-side: servers are
// authoritative (world.HostWorldManager), so a server connection has no
// world.RemoteWorldManager and never actually invokes the Sink.
type nopSink struct{}

func (nopSink) OnSpawn(entity.Local)                                        {}
func (nopSink) OnDespawn(entity.Local)                                      {}
func (nopSink) OnInsertComponent(entity.Local, entity.ComponentKind, any)    {}
func (nopSink) OnRemoveComponent(entity.Local, entity.ComponentKind)        {}
func (nopSink) OnUpdateComponent(entity.Local, entity.ComponentKind, any)   {}
