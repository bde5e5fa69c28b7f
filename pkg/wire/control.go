package wire

import "encoding/binary"

// EncodePingPong packs nonce (the pinging side's send timestamp, as
// UnixNano) into a Ping payload. A Pong payload carries the same bytes
// echoed back unchanged, so the original sender recovers its own send
// time on reply and derives an RTT sample without a sequence table.
func EncodePingPong(nonce int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nonce))
	return buf
}

// DecodePingPong unpacks a Ping or Pong payload's nonce.
func DecodePingPong(body []byte) (int64, error) {
	if len(body) < 8 {
		return 0, ErrMalformedHeader
	}
	return int64(binary.BigEndian.Uint64(body[:8])), nil
}

// DisconnectReason tags why a PacketDisconnect was sent, surfaced on the
// Disconnection event so the hosting application can distinguish a
// clean shutdown from a timeout or protocol fault.
type DisconnectReason uint8

const (
	DisconnectNormal            DisconnectReason = 0
	DisconnectTimeout           DisconnectReason = 1
	DisconnectProtocolViolation DisconnectReason = 2
	DisconnectKicked            DisconnectReason = 3
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNormal:
		return "Normal"
	case DisconnectTimeout:
		return "Timeout"
	case DisconnectProtocolViolation:
		return "ProtocolViolation"
	case DisconnectKicked:
		return "Kicked"
	default:
		return "Unknown"
	}
}

// EncodeDisconnect packs a PacketDisconnect's one-byte reason payload.
func EncodeDisconnect(reason DisconnectReason) []byte {
	return []byte{byte(reason)}
}

// DecodeDisconnect unpacks a PacketDisconnect payload's reason. A missing
// or empty payload (older peers, or a bare disconnect) decodes as
// DisconnectNormal rather than an error.
func DecodeDisconnect(body []byte) DisconnectReason {
	if len(body) < 1 {
		return DisconnectNormal
	}
	return DisconnectReason(body[0])
}
