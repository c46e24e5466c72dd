// Package p2p implements the ICE-style NAT traversal subsystem: candidate
// gathering, connectivity checks, the hole-punch coordinator, and path
// resilience. It is grounded in the teacher's internal/nat package
// (candidate/STUN discovery, hole punching) generalized from TCP
// simultaneous-open to QUIC/UDP candidate pairs driven by signaling relayed
// through the Intermediate.
package p2p

import (
	"net"
	"sort"

	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
)

// Kind is the ICE candidate class.
type Kind = signaling.CandidateKind

const (
	Host             = signaling.CandidateHost
	ServerReflexive  = signaling.CandidateServerReflexive
	Relay            = signaling.CandidateRelay
)

// Type preferences from RFC 8445 §5.1.2.
const (
	typePrefHost            = 126
	typePrefServerReflexive = 100
	typePrefRelay           = 0
)

// maxCandidates caps the gathered candidate list.
const maxCandidates = 8

// Candidate is a potential transport address for the direct path.
type Candidate struct {
	Kind       Kind
	Addr       *net.UDPAddr
	Priority   uint32
	Foundation string
}

func typePreference(k Kind) uint32 {
	switch k {
	case Host:
		return typePrefHost
	case ServerReflexive:
		return typePrefServerReflexive
	case Relay:
		return typePrefRelay
	default:
		return 0
	}
}

// CalculatePriority implements RFC 8445 §5.1.2:
//
//	priority = (2^24)*type_pref + (2^8)*local_pref + (256 - component_id)
//
// component_id is always 1 for this single-component protocol.
func CalculatePriority(kind Kind, localPref uint32) uint32 {
	const componentID = 1
	return (typePreference(kind) << 24) + (localPref << 8) + (256 - componentID)
}

// GatherHostCandidates enumerates non-loopback, non-link-local interface
// addresses bound to port.
func GatherHostCandidates(port int) []Candidate {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var out []Candidate
	localPref := uint32(65535)
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, Candidate{
			Kind:       Host,
			Addr:       &net.UDPAddr{IP: ip4, Port: port},
			Priority:   CalculatePriority(Host, localPref),
			Foundation: "host",
		})
	}
	return out
}

// GatherServerReflexiveCandidate builds the srflx candidate from the QAD
// observed address.
func GatherServerReflexiveCandidate(observed *net.UDPAddr) Candidate {
	return Candidate{
		Kind:       ServerReflexive,
		Addr:       observed,
		Priority:   CalculatePriority(ServerReflexive, 65535),
		Foundation: "srflx",
	}
}

// GatherRelayCandidate builds the relay candidate from the Intermediate's
// address on the already-established QUIC connection.
func GatherRelayCandidate(intermediateAddr *net.UDPAddr) Candidate {
	return Candidate{
		Kind:       Relay,
		Addr:       intermediateAddr,
		Priority:   CalculatePriority(Relay, 0),
		Foundation: "relay",
	}
}

// SortAndDedupe sorts candidates by priority descending, coalesces
// candidates with identical addresses (keeping the first, highest-kind
// occurrence), and caps the result at maxCandidates.
func SortAndDedupe(cands []Candidate) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		key := c.Addr.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) == maxCandidates {
			break
		}
	}
	return out
}

// ToWire converts local candidates to the signaling package's wire type.
func ToWire(cands []Candidate) []signaling.Candidate {
	out := make([]signaling.Candidate, len(cands))
	for i, c := range cands {
		out[i] = signaling.Candidate{
			Kind:       c.Kind,
			Addr:       c.Addr,
			Priority:   c.Priority,
			Foundation: c.Foundation,
		}
	}
	return out
}

// FromWire converts signaling-package candidates back to the local type.
func FromWire(cands []signaling.Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[i] = Candidate{
			Kind:       c.Kind,
			Addr:       c.Addr,
			Priority:   c.Priority,
			Foundation: c.Foundation,
		}
	}
	return out
}
