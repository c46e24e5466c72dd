// Package signaling implements the candidate-exchange control protocol
// relayed by the Intermediate between an Agent and a Connector.
// Messages travel inside DATAGRAM tag 0x20: a 4-byte big-endian length
// prefix followed by the encoded body this package defines.
package signaling

import (
	"net"

	"github.com/google/uuid"
	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
)

// SessionId scopes one P2P negotiation. It is a random 128-bit value
// generated by the initiating Agent.
type SessionId [16]byte

// NewSessionId generates a fresh random SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.New())
}

func (s SessionId) String() string {
	return uuid.UUID(s).String()
}

// CandidateKind is the candidate class shared with package p2p, whose Kind
// is an alias of this type; p2p imports signaling for the wire types below,
// so signaling does not import p2p.
type CandidateKind uint8

const (
	CandidateHost CandidateKind = iota
	CandidateServerReflexive
	CandidateRelay
)

// Candidate is the wire representation of an ICE-style candidate.
type Candidate struct {
	Kind      CandidateKind
	Addr      *net.UDPAddr
	Priority  uint32
	Foundation string
}

// MessageKind discriminates the SignalingMessage variants.
type MessageKind uint8

const (
	KindCandidateOffer MessageKind = iota
	KindCandidateAnswer
	KindStartPunching
	KindAbort
)

// Message is the tagged union of signaling protocol messages. Only the
// fields relevant to Kind are populated; see the New* constructors.
type Message struct {
	Kind MessageKind

	SessionId SessionId
	FromRole  model.ClientRole // CandidateOffer, CandidateAnswer
	ServiceId model.ServiceId  // CandidateOffer only

	Candidates []Candidate // CandidateOffer, CandidateAnswer

	T0MsOffset       uint16           // StartPunching only
	ControllingRole  model.ClientRole // StartPunching only

	AbortReason uint8 // Abort only
}

// NewCandidateOffer builds a CandidateOffer message.
func NewCandidateOffer(sid SessionId, from model.ClientRole, svc model.ServiceId, cands []Candidate) Message {
	return Message{Kind: KindCandidateOffer, SessionId: sid, FromRole: from, ServiceId: svc, Candidates: cands}
}

// NewCandidateAnswer builds a CandidateAnswer message.
func NewCandidateAnswer(sid SessionId, from model.ClientRole, cands []Candidate) Message {
	return Message{Kind: KindCandidateAnswer, SessionId: sid, FromRole: from, Candidates: cands}
}

// NewStartPunching builds a StartPunching message.
func NewStartPunching(sid SessionId, t0Offset uint16, controlling model.ClientRole) Message {
	return Message{Kind: KindStartPunching, SessionId: sid, T0MsOffset: t0Offset, ControllingRole: controlling}
}

// NewAbort builds an Abort message.
func NewAbort(sid SessionId, reason uint8) Message {
	return Message{Kind: KindAbort, SessionId: sid, AbortReason: reason}
}
