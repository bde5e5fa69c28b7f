// Package client implements naia's connecting-client side: the 3-way
// handshake dial sequence, then a single loop identical in shape to the
// server's (recv-pump goroutine feeding a select loop that owns all
// connection state), driving one BaseConnection instead of a map of
// them. Grounded on the same teacher rpc.Server.Start for{ recv }
// dispatch-by-packet-type idiom used in pkg/server, specialized to a
// single peer.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pbalcer/naia/pkg/connection"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/handshake"
	"github.com/pbalcer/naia/pkg/logging"
	"github.com/pbalcer/naia/pkg/message"
	"github.com/pbalcer/naia/pkg/tickbuffer"
	"github.com/pbalcer/naia/pkg/ticktime"
	"github.com/pbalcer/naia/pkg/transport"
	"github.com/pbalcer/naia/pkg/wire"
	"github.com/pbalcer/naia/pkg/world"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config bundles everything a Client needs to dial and speak naia's
// wire protocol, mirroring server.Config.
type Config struct {
	ServerAddress string
	Channels      []message.ChannelConfig
	MessageKinds  *message.KindRegistry
	Components    *world.ComponentRegistry
	CommandKinds  map[entity.MessageKind]tickbuffer.Codec
	TickConfig    ticktime.Config
	Cipher        *transport.Cipher
}

// EventKind tags the variant of an Event the client raises.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventSpawn
	EventDespawn
	EventInsertComponent
	EventRemoveComponent
	EventUpdateComponent
)

// Event is a single notification the hosting application consumes.
type Event struct {
	Kind      EventKind
	Message   message.Received
	Local     entity.Local
	Component entity.ComponentKind
	Value     any
	Reason    wire.DisconnectReason // set on EventDisconnected
}

// Client is naia's connecting-side endpoint: one socket, one dial
// sequence, one BaseConnection once connected.
type Client struct {
	cfg    Config
	socket transport.Socket
	server net.Addr

	Conn   *connection.BaseConnection
	remote *world.RemoteWorldManager

	clientNonce uint64
	clientID    uint64
	connected   bool

	events chan Event
}

// New dials out a UDP socket (not yet connected — naia's handshake is
// what establishes the logical session) bound to an ephemeral local
// port.
func New(cfg Config) (*Client, error) {
	socket, err := transport.Listen(":0")
	if err != nil {
		return nil, fmt.Errorf("client: listen: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("client: resolve server address: %w", err)
	}
	return &Client{cfg: cfg, socket: socket, server: addr, events: make(chan Event, 256)}, nil
}

// Events returns the channel of Event values the hosting application
// should drain; it is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// Connect runs the 3-way handshake (spec.md §4.1), retrying the
// challenge/connect request every handshake.Timeout until either side
// succeeds or ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	c.clientNonce = uint64(time.Now().UnixNano())

	challenge, err := c.exchangeChallenge(ctx)
	if err != nil {
		return err
	}

	return c.exchangeConnect(ctx, challenge)
}

func (c *Client) exchangeChallenge(ctx context.Context) (handshake.ServerChallengeResponse, error) {
	req := handshake.ClientChallengeRequest{ClientNonce: c.clientNonce}
	out := wire.StandardHeader{PacketType: wire.PacketClientChallengeRequest}.Encode()
	out = append(out, handshake.EncodeChallengeRequest(req)...)

	respCh := make(chan handshake.ServerChallengeResponse, 1)
	errCh := make(chan error, 1)
	go c.recvUntil(ctx, wire.PacketServerChallengeResponse, func(body []byte) bool {
		resp, err := handshake.DecodeChallengeResponse(body)
		if err != nil || resp.ClientNonce != c.clientNonce {
			return false
		}
		respCh <- resp
		return true
	}, errCh)

	return retryUntil(ctx, c.socket, c.server, out, respCh, errCh)
}

func (c *Client) exchangeConnect(ctx context.Context, challenge handshake.ServerChallengeResponse) error {
	req := handshake.ClientConnectRequest{
		ClientNonce: challenge.ClientNonce,
		ClientID:    challenge.ClientID,
		IssuedAt:    challenge.IssuedAt,
		Token:       challenge.Token,
	}
	out := wire.StandardHeader{PacketType: wire.PacketClientConnectRequest}.Encode()
	out = append(out, handshake.EncodeConnectRequest(req)...)

	respCh := make(chan handshake.ServerConnectResponse, 1)
	errCh := make(chan error, 1)
	go c.recvUntil(ctx, wire.PacketServerConnectResponse, func(body []byte) bool {
		resp, err := handshake.DecodeConnectResponse(body)
		if err != nil {
			return false
		}
		respCh <- resp
		return true
	}, errCh)

	resp, err := retryUntil(ctx, c.socket, c.server, out, respCh, errCh)
	if err != nil {
		return err
	}

	c.clientID = resp.ClientID
	c.setupConnection()
	return nil
}

func (c *Client) setupConnection() {
	tm := ticktime.NewManager(c.cfg.TickConfig)
	c.remote = world.NewRemoteWorldManager(c.cfg.Components)
	msgs := message.NewManager(c.cfg.Channels, c.cfg.MessageKinds, passthroughConverter{})
	cmdOut := tickbuffer.NewSender(c.cfg.TickConfig.JitterBufferMaxDepth)
	for kind, codec := range c.cfg.CommandKinds {
		cmdOut.RegisterKind(kind, codec)
	}

	var opts []connection.Option
	if c.cfg.Cipher != nil {
		opts = append(opts, connection.WithCipher(c.cfg.Cipher))
	}
	c.Conn = connection.New(true, tm, msgs, nil, c.remote, cmdOut, nil, opts...)
	c.Conn.MarkHeard(time.Now())
	c.connected = true
}

// retryUntil sends data repeatedly (every handshake.Timeout) until
// respCh yields a value, errCh yields an error, or ctx is canceled.
func retryUntil[T any](ctx context.Context, socket transport.Socket, server net.Addr, data []byte, respCh chan T, errCh chan error) (T, error) {
	var zero T
	ticker := time.NewTicker(handshake.Timeout)
	defer ticker.Stop()

	if err := socket.Send(server, data); err != nil {
		return zero, err
	}
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case err := <-errCh:
			return zero, err
		case resp := <-respCh:
			return resp, nil
		case <-ticker.C:
			if err := socket.Send(server, data); err != nil {
				return zero, err
			}
		}
	}
}

func (c *Client) recvUntil(ctx context.Context, want wire.PacketType, handle func(body []byte) bool, errCh chan error) {
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := c.socket.Recv(buf)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		header, body, err := wire.Decode(buf[:n])
		if err != nil || header.PacketType != want {
			continue
		}
		if handle(body) {
			return
		}
	}
}

// Run drives the connected client's steady-state loop: receiving data
// packets and applying them to Conn, sending a fresh outgoing packet
// whenever outgoing fires or the heartbeat interval elapses. Call only
// after Connect has succeeded.
func (c *Client) Run(ctx context.Context, source world.ComponentSource, outgoing <-chan struct{}) error {
	if !c.connected {
		return fmt.Errorf("client: Run called before a successful Connect")
	}

	recvCh := make(chan []byte, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, transport.MaxDatagramSize)
		for {
			n, _, err := c.socket.Recv(buf)
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					logging.Warn("client: recv failed", zap.Error(err))
					continue
				}
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case recvCh <- cp:
			case <-gctx.Done():
				return nil
			}
		}
	})

	tick := time.NewTicker(c.cfg.TickConfig.TickInterval)
	defer tick.Stop()

	g.Go(func() error {
		defer close(c.events)
		for {
			select {
			case <-gctx.Done():
				return nil
			case data := <-recvCh:
				c.handleDatagram(data)
			case now := <-tick.C:
				c.Conn.Time.AdvanceLocalTick()
				c.Conn.Pump(now)
				due, err := c.Conn.ReleaseDue(&eventSink{c: c})
				if err != nil {
					logging.Warn("client: dropping connection after read error", zap.Error(err))
				}
				for _, msg := range due {
					emit(c, Event{Kind: EventMessage, Message: msg})
				}
				if c.Conn.ShouldSendHeartbeat(now) {
					c.send(now, source)
				}
				if c.Conn.Time.ShouldSendPing(now) {
					c.sendPing(now)
				}
			case <-outgoing:
				c.send(time.Now(), source)
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) send(now time.Time, source world.ComponentSource) {
	idx := c.Conn.NextPacketIndex()
	data, err := c.Conn.WriteOutgoingPacket(idx, now, source)
	if err != nil {
		logging.Warn("client: write failed", zap.Error(err))
		return
	}
	if err := c.socket.Send(c.server, data); err != nil {
		logging.Warn("client: send failed", zap.Error(err))
	}
}

// sendPing fires an RTT probe carrying now as a nonce, to be echoed back
// in the server's Pong so the round trip can be timed on reply.
func (c *Client) sendPing(now time.Time) {
	out := wire.StandardHeader{PacketType: wire.PacketPing}.Encode()
	out = append(out, wire.EncodePingPong(now.UnixNano())...)
	if err := c.socket.Send(c.server, out); err != nil {
		logging.Warn("client: send ping failed", zap.Error(err))
		return
	}
	c.Conn.Time.MarkPingSent(now)
}

func (c *Client) handleDatagram(data []byte) {
	header, body, err := wire.Decode(data)
	if err != nil {
		logging.Warn("client: malformed header, dropping packet", zap.Error(err))
		return
	}
	switch header.PacketType {
	case wire.PacketData:
		sink := &eventSink{c: c}
		in, err := c.Conn.ReadIncomingPacket(data, time.Now(), sink)
		if err != nil {
			logging.Warn("client: read error on data packet", zap.Error(err))
			return
		}
		for _, msg := range in.Messages {
			emit(c, Event{Kind: EventMessage, Message: msg})
		}
	case wire.PacketHeartbeat:
		c.Conn.MarkHeard(time.Now())
	case wire.PacketDisconnect:
		emit(c, Event{Kind: EventDisconnected, Reason: wire.DecodeDisconnect(body)})
	case wire.PacketPing:
		nonce, err := wire.DecodePingPong(body)
		if err != nil {
			logging.Warn("client: malformed ping", zap.Error(err))
			return
		}
		out := wire.StandardHeader{PacketType: wire.PacketPong}.Encode()
		out = append(out, wire.EncodePingPong(nonce)...)
		if err := c.socket.Send(c.server, out); err != nil {
			logging.Warn("client: send pong failed", zap.Error(err))
		}
	case wire.PacketPong:
		nonce, err := wire.DecodePingPong(body)
		if err != nil {
			logging.Warn("client: malformed pong", zap.Error(err))
			return
		}
		c.Conn.Time.RecordRTTSample(time.Since(time.Unix(0, nonce)))
	default:
		logging.Warn("client: unexpected packet type", zap.String("type", header.PacketType.String()))
	}
}

type eventSink struct{ c *Client }

func (s *eventSink) OnSpawn(l entity.Local) {
	emit(s.c, Event{Kind: EventSpawn, Local: l})
}
func (s *eventSink) OnDespawn(l entity.Local) {
	emit(s.c, Event{Kind: EventDespawn, Local: l})
}
func (s *eventSink) OnInsertComponent(l entity.Local, kind entity.ComponentKind, value any) {
	emit(s.c, Event{Kind: EventInsertComponent, Local: l, Component: kind, Value: value})
}
func (s *eventSink) OnRemoveComponent(l entity.Local, kind entity.ComponentKind) {
	emit(s.c, Event{Kind: EventRemoveComponent, Local: l, Component: kind})
}
func (s *eventSink) OnUpdateComponent(l entity.Local, kind entity.ComponentKind, value any) {
	emit(s.c, Event{Kind: EventUpdateComponent, Local: l, Component: kind, Value: value})
}

func emit(c *Client, ev Event) {
	select {
	case c.events <- ev:
	default:
		logging.Warn("client: event channel full, dropping client event")
	}
}

// passthroughConverter backs client-side message channels: a client
// never mints LocalEntity ids of its own (it only ever replicates the
// server's entities via RemoteWorldManager), so message payloads on the
// client side are not expected to carry raw entity references.
type passthroughConverter struct{}

func (passthroughConverter) GlobalToLocal(entity.Global) (entity.Local, bool) { return 0, false }
func (passthroughConverter) LocalToGlobal(entity.Local) (entity.Global, bool) { return 0, false }
