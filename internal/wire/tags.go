// Package wire implements the DATAGRAM framing every QUIC DATAGRAM uses: a
// one-byte type tag, and the codecs for the tags this module owns directly
// (QAD and registration). The signaling tag (0x20) is defined here, but its
// length framing and payload are owned by package signaling.
package wire

// Tag is the first byte of every QUIC DATAGRAM frame exchanged on this
// protocol.
type Tag byte

const (
	// TagQADObservedAddress carries the Intermediate's observed public
	// transport address for a peer (Intermediate -> peer only).
	TagQADObservedAddress Tag = 0x01

	// TagAgentRegister is an Agent's request to subscribe to a service.
	TagAgentRegister Tag = 0x10
	// TagConnectorRegister is a Connector's request to serve a service.
	TagConnectorRegister Tag = 0x11
	// TagRegisterAck confirms a registration succeeded.
	TagRegisterAck Tag = 0x12
	// TagRegisterNack rejects a registration; the next byte is a reason code.
	TagRegisterNack Tag = 0x13

	// TagSignaling carries a length-delimited SignalingMessage (package
	// signaling owns the body).
	TagSignaling Tag = 0x20

	// TagP2PKeepaliveRequest and TagP2PKeepaliveResponse are exchanged over
	// the direct UDP path once a hole-punch session reaches Connected.
	TagP2PKeepaliveRequest  Tag = 0x30
	TagP2PKeepaliveResponse Tag = 0x31
)

// NackReason is the one-byte reason code that follows TagRegisterNack.
type NackReason byte

const (
	NackUnauthorized  NackReason = 1
	NackServiceTaken  NackReason = 2
	NackMalformed     NackReason = 3
	NackRoleConflict  NackReason = 4
)

func (r NackReason) String() string {
	switch r {
	case NackUnauthorized:
		return "unauthorized"
	case NackServiceTaken:
		return "service_taken"
	case NackMalformed:
		return "malformed"
	case NackRoleConflict:
		return "role_conflict"
	default:
		return "unknown"
	}
}
