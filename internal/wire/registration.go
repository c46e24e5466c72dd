package wire

import (
	"errors"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
)

// ErrMalformed is returned by the decode functions below when a datagram
// is truncated or otherwise doesn't match the expected shape.
var ErrMalformed = errors.New("wire: malformed datagram")

// maxServiceIdLen is the largest ServiceId the 1-byte length prefix can
// express.
const maxServiceIdLen = 255

// BuildRegister encodes a REG datagram (tag 0x10 for Agent, 0x11 for
// Connector) for sid: tag ‖ sid_len[1] ‖ sid_bytes.
func BuildRegister(role model.ClientRole, sid model.ServiceId) ([]byte, error) {
	if len(sid) == 0 || len(sid) > maxServiceIdLen {
		return nil, ErrMalformed
	}
	var tag Tag
	switch role {
	case model.RoleAgent:
		tag = TagAgentRegister
	case model.RoleConnector:
		tag = TagConnectorRegister
	default:
		return nil, ErrMalformed
	}
	out := make([]byte, 2+len(sid))
	out[0] = byte(tag)
	out[1] = byte(len(sid))
	copy(out[2:], sid)
	return out, nil
}

// ParseRegister decodes a REG datagram, returning the role implied by its
// tag and the service id requested. It returns ErrMalformed if the tag is
// not a registration tag or the length prefix doesn't match the remaining
// bytes.
func ParseRegister(data []byte) (model.ClientRole, model.ServiceId, error) {
	if len(data) < 2 {
		return model.RoleUnknown, "", ErrMalformed
	}
	var role model.ClientRole
	switch Tag(data[0]) {
	case TagAgentRegister:
		role = model.RoleAgent
	case TagConnectorRegister:
		role = model.RoleConnector
	default:
		return model.RoleUnknown, "", ErrMalformed
	}
	sidLen := int(data[1])
	if sidLen == 0 || len(data) != 2+sidLen {
		return model.RoleUnknown, "", ErrMalformed
	}
	return role, model.ServiceId(data[2:]), nil
}

// BuildRegisterAck encodes the one-byte REG_ACK datagram.
func BuildRegisterAck() []byte {
	return []byte{byte(TagRegisterAck)}
}

// BuildRegisterNack encodes the two-byte REG_NACK datagram.
func BuildRegisterNack(reason NackReason) []byte {
	return []byte{byte(TagRegisterNack), byte(reason)}
}

// ParseRegisterNack extracts the reason code from a REG_NACK datagram.
func ParseRegisterNack(data []byte) (NackReason, error) {
	if len(data) != 2 || Tag(data[0]) != TagRegisterNack {
		return 0, ErrMalformed
	}
	return NackReason(data[1]), nil
}

// IsRegisterAck reports whether data is exactly a REG_ACK datagram.
func IsRegisterAck(data []byte) bool {
	return len(data) == 1 && Tag(data[0]) == TagRegisterAck
}
