package signaling

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/wire"
)

// ErrMalformed is returned when a signaling body is truncated or otherwise
// doesn't decode to a valid Message.
var ErrMalformed = errors.New("signaling: malformed message")

func encodeRole(r model.ClientRole) byte { return byte(r) }

func decodeRole(b byte) model.ClientRole {
	switch model.ClientRole(b) {
	case model.RoleAgent:
		return model.RoleAgent
	case model.RoleConnector:
		return model.RoleConnector
	default:
		return model.RoleUnknown
	}
}

func encodeCandidate(buf []byte, c Candidate) []byte {
	buf = append(buf, byte(c.Kind))
	ip4 := c.Addr.IP.To4()
	if ip4 != nil {
		buf = append(buf, 4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, 16)
		buf = append(buf, c.Addr.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(c.Addr.Port))
	buf = append(buf, portBuf[:]...)
	var prioBuf [4]byte
	binary.BigEndian.PutUint32(prioBuf[:], c.Priority)
	buf = append(buf, prioBuf[:]...)
	buf = append(buf, byte(len(c.Foundation)))
	buf = append(buf, []byte(c.Foundation)...)
	return buf
}

func decodeCandidate(data []byte) (Candidate, int, error) {
	if len(data) < 2 {
		return Candidate{}, 0, ErrMalformed
	}
	kind := CandidateKind(data[0])
	ipLen := int(data[1])
	if ipLen != 4 && ipLen != 16 {
		return Candidate{}, 0, ErrMalformed
	}
	need := 2 + ipLen + 2 + 4 + 1
	if len(data) < need {
		return Candidate{}, 0, ErrMalformed
	}
	ip := make(net.IP, ipLen)
	copy(ip, data[2:2+ipLen])
	off := 2 + ipLen
	port := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	priority := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	fLen := int(data[off])
	off++
	if len(data) < off+fLen {
		return Candidate{}, 0, ErrMalformed
	}
	foundation := string(data[off : off+fLen])
	off += fLen

	return Candidate{
		Kind:       kind,
		Addr:       &net.UDPAddr{IP: ip, Port: port},
		Priority:   priority,
		Foundation: foundation,
	}, off, nil
}

func encodeCandidates(buf []byte, cands []Candidate) []byte {
	buf = append(buf, byte(len(cands)))
	for _, c := range cands {
		buf = encodeCandidate(buf, c)
	}
	return buf
}

func decodeCandidates(data []byte) ([]Candidate, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrMalformed
	}
	n := int(data[0])
	off := 1
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		c, consumed, err := decodeCandidate(data[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
		off += consumed
	}
	return out, off, nil
}

// Encode serializes msg's body (without the outer tag/length framing).
func Encode(msg Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(msg.Kind))
	buf = append(buf, msg.SessionId[:]...)

	switch msg.Kind {
	case KindCandidateOffer:
		buf = append(buf, encodeRole(msg.FromRole))
		if len(msg.ServiceId) > 255 {
			return nil, ErrMalformed
		}
		buf = append(buf, byte(len(msg.ServiceId)))
		buf = append(buf, []byte(msg.ServiceId)...)
		buf = encodeCandidates(buf, msg.Candidates)
	case KindCandidateAnswer:
		buf = append(buf, encodeRole(msg.FromRole))
		buf = encodeCandidates(buf, msg.Candidates)
	case KindStartPunching:
		var t0 [2]byte
		binary.BigEndian.PutUint16(t0[:], msg.T0MsOffset)
		buf = append(buf, t0[:]...)
		buf = append(buf, encodeRole(msg.ControllingRole))
	case KindAbort:
		buf = append(buf, msg.AbortReason)
	default:
		return nil, ErrMalformed
	}
	return buf, nil
}

// Decode parses a signaling body produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) < 17 {
		return Message{}, ErrMalformed
	}
	kind := MessageKind(data[0])
	var sid SessionId
	copy(sid[:], data[1:17])
	rest := data[17:]

	switch kind {
	case KindCandidateOffer:
		if len(rest) < 2 {
			return Message{}, ErrMalformed
		}
		from := decodeRole(rest[0])
		sidLen := int(rest[1])
		if len(rest) < 2+sidLen {
			return Message{}, ErrMalformed
		}
		svc := model.ServiceId(rest[2 : 2+sidLen])
		cands, _, err := decodeCandidates(rest[2+sidLen:])
		if err != nil {
			return Message{}, err
		}
		return NewCandidateOffer(sid, from, svc, cands), nil
	case KindCandidateAnswer:
		if len(rest) < 1 {
			return Message{}, ErrMalformed
		}
		from := decodeRole(rest[0])
		cands, _, err := decodeCandidates(rest[1:])
		if err != nil {
			return Message{}, err
		}
		return NewCandidateAnswer(sid, from, cands), nil
	case KindStartPunching:
		if len(rest) < 3 {
			return Message{}, ErrMalformed
		}
		t0 := binary.BigEndian.Uint16(rest[0:2])
		controlling := decodeRole(rest[2])
		return NewStartPunching(sid, t0, controlling), nil
	case KindAbort:
		if len(rest) < 1 {
			return Message{}, ErrMalformed
		}
		return NewAbort(sid, rest[0]), nil
	default:
		return Message{}, ErrMalformed
	}
}

// EncodeDatagram wraps the encoded body with the tag 0x20 and a 4-byte
// big-endian length prefix, producing a complete QUIC DATAGRAM payload.
func EncodeDatagram(msg Message) ([]byte, error) {
	body, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 5+len(body))
	out[0] = byte(wire.TagSignaling)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

// DecodeDatagram parses a complete tag-0x20 DATAGRAM payload produced by
// EncodeDatagram.
func DecodeDatagram(data []byte) (Message, error) {
	if len(data) < 5 || wire.Tag(data[0]) != wire.TagSignaling {
		return Message{}, ErrMalformed
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint32(len(data)-5) != n {
		return Message{}, ErrMalformed
	}
	return Decode(data[5:])
}
