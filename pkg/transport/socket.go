// Package transport provides the datagram send/receive seam naia's
// client and server loops drive: a Socket interface plus a concrete
// net.UDPConn-backed implementation, generalized from the teacher's
// UDPTransport (originally bundling aRPC's fragmentation/handler-chain
// concerns) down to the plain "send bytes to addr / receive bytes from
// addr" naia itself needs, since naia's own packet assembly already
// self-bounds each datagram via bitio's savepoint backout (spec.md §6)
// rather than needing cross-packet reassembly.
package transport

import (
	"net"

	"github.com/pbalcer/naia/pkg/logging"
	"go.uber.org/zap"
)

// MaxDatagramSize is the UDP payload ceiling naia targets to stay under
// common path MTUs without IP fragmentation.
const MaxDatagramSize = 1200

// Socket is the minimal datagram transport naia's client/server loops
// need. Implementations may be a real UDP socket or a test double that
// injects loss/latency for deterministic tests.
type Socket interface {
	Send(addr net.Addr, data []byte) error
	Recv(buf []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// UDPSocket is the production Socket, a thin wrapper over net.UDPConn.
type UDPSocket struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to address ("" or ":0" for an
// ephemeral client port, "host:port" for a server).
func Listen(address string) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn}, nil
}

// Send writes data to addr as a single datagram.
func (s *UDPSocket) Send(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := s.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		logging.Warn("transport: send failed", zap.String("addr", addr.String()), zap.Error(err))
	}
	return err
}

// Recv blocks for the next datagram, reading into buf.
func (s *UDPSocket) Recv(buf []byte) (int, net.Addr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// LocalAddr returns the socket's bound local address.
func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the underlying file descriptor.
func (s *UDPSocket) Close() error { return s.conn.Close() }
