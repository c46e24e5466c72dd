package p2p

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"time"
)

// ErrMalformed is returned by binding message decoders on truncated input.
var ErrMalformed = errors.New("p2p: malformed connectivity-check message")

// Binding check message tags, carried as plain UDP payload over the
// candidate socket (not a DATAGRAM frame — this traffic never touches the
// Intermediate once candidates have been exchanged).
const (
	bindingRequestTag  byte = 0x01
	bindingResponseTag byte = 0x02
)

// BindingRequest is an ICE connectivity check probe.
type BindingRequest struct {
	SessionID   [16]byte
	Priority    uint32
	Controlling bool
}

// BindingResponse acknowledges a BindingRequest. Nominate is carried on the
// wire, but the Agent's check loop nominates on any response to an
// in-progress pair and does not read it.
type BindingResponse struct {
	SessionID [16]byte
	Nominate  bool
}

// EncodeBindingRequest serializes a BindingRequest to wire bytes.
func EncodeBindingRequest(r BindingRequest) []byte {
	out := make([]byte, 1+16+4+1)
	out[0] = bindingRequestTag
	copy(out[1:17], r.SessionID[:])
	binary.BigEndian.PutUint32(out[17:21], r.Priority)
	if r.Controlling {
		out[21] = 1
	}
	return out
}

// DecodeBindingRequest parses wire bytes into a BindingRequest.
func DecodeBindingRequest(data []byte) (BindingRequest, error) {
	if len(data) != 22 || data[0] != bindingRequestTag {
		return BindingRequest{}, ErrMalformed
	}
	var r BindingRequest
	copy(r.SessionID[:], data[1:17])
	r.Priority = binary.BigEndian.Uint32(data[17:21])
	r.Controlling = data[21] == 1
	return r, nil
}

// EncodeBindingResponse serializes a BindingResponse to wire bytes.
func EncodeBindingResponse(r BindingResponse) []byte {
	out := make([]byte, 1+16+1)
	out[0] = bindingResponseTag
	copy(out[1:17], r.SessionID[:])
	if r.Nominate {
		out[17] = 1
	}
	return out
}

// DecodeBindingResponse parses wire bytes into a BindingResponse.
func DecodeBindingResponse(data []byte) (BindingResponse, error) {
	if len(data) != 18 || data[0] != bindingResponseTag {
		return BindingResponse{}, ErrMalformed
	}
	var r BindingResponse
	copy(r.SessionID[:], data[1:17])
	r.Nominate = data[17] == 1
	return r, nil
}

// PairState is a CandidatePair's position in the RFC 8445 §6.1.2.6 check
// state machine.
type PairState uint8

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

// CandidatePair couples a local and remote candidate under test.
type CandidatePair struct {
	Local     Candidate
	Remote    Candidate
	Priority  uint64
	State     PairState
	LastSent  time.Time
	Nominated bool
}

// PairPriority implements RFC 8445 §6.1.2.3:
//
//	priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0)
//
// where G is the controlling agent's candidate priority and D is the
// controlled agent's.
func PairPriority(controllingPriority, controlledPriority uint32) uint64 {
	g, d := uint64(controllingPriority), uint64(controlledPriority)
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	var tieBreak uint64
	if g > d {
		tieBreak = 1
	}
	return (min << 32) + 2*max + tieBreak
}

// FormPairs builds every local×remote candidate pair, each addressed to the
// local agent's own priority as controlling or controlled depending on
// isControlling, sorted by descending pair priority.
func FormPairs(local, remote []Candidate, isControlling bool) []CandidatePair {
	pairs := make([]CandidatePair, 0, len(local)*len(remote))
	for _, l := range local {
		for _, r := range remote {
			var prio uint64
			if isControlling {
				prio = PairPriority(l.Priority, r.Priority)
			} else {
				prio = PairPriority(r.Priority, l.Priority)
			}
			pairs = append(pairs, CandidatePair{
				Local:    l,
				Remote:   r,
				Priority: prio,
				State:    PairFrozen,
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Priority > pairs[j].Priority
	})
	return pairs
}

// CheckList drives connectivity checks over an ordered set of candidate
// pairs. It is not safe for concurrent use; callers serialize
// access the same way the rest of this protocol's state is owned by a
// single connection loop.
type CheckList struct {
	Pairs []CandidatePair
}

// NewCheckList builds a CheckList with the first pair Waiting and the rest
// Frozen, per RFC 8445 §6.1.2.6.
func NewCheckList(pairs []CandidatePair) *CheckList {
	cl := &CheckList{Pairs: pairs}
	if len(cl.Pairs) > 0 {
		cl.Pairs[0].State = PairWaiting
	}
	return cl
}

// NextWaiting returns the index of the highest-priority Waiting pair, or -1
// if none is waiting.
func (cl *CheckList) NextWaiting() int {
	best := -1
	for i, p := range cl.Pairs {
		if p.State != PairWaiting {
			continue
		}
		if best == -1 || p.Priority > cl.Pairs[best].Priority {
			best = i
		}
	}
	return best
}

// MarkInProgress transitions a pair to InProgress and records LastSent.
func (cl *CheckList) MarkInProgress(i int, now time.Time) {
	cl.Pairs[i].State = PairInProgress
	cl.Pairs[i].LastSent = now
}

// MarkSucceeded transitions a pair to Succeeded, and unfreezes the next
// Frozen pair to Waiting.
func (cl *CheckList) MarkSucceeded(i int) {
	cl.Pairs[i].State = PairSucceeded
	for j := range cl.Pairs {
		if cl.Pairs[j].State == PairFrozen {
			cl.Pairs[j].State = PairWaiting
			break
		}
	}
}

// MarkFailed transitions a pair to Failed and unfreezes the next candidate.
func (cl *CheckList) MarkFailed(i int) {
	cl.Pairs[i].State = PairFailed
	for j := range cl.Pairs {
		if cl.Pairs[j].State == PairFrozen {
			cl.Pairs[j].State = PairWaiting
			break
		}
	}
}

// Nominate marks the given pair Nominated; it must already be Succeeded.
func (cl *CheckList) Nominate(i int) {
	cl.Pairs[i].Nominated = true
}

// NominatedPair returns the first nominated pair, if any.
func (cl *CheckList) NominatedPair() (CandidatePair, bool) {
	for _, p := range cl.Pairs {
		if p.Nominated {
			return p, true
		}
	}
	return CandidatePair{}, false
}

// Done reports whether every pair has left Frozen/Waiting/InProgress.
func (cl *CheckList) Done() bool {
	for _, p := range cl.Pairs {
		if p.State == PairFrozen || p.State == PairWaiting || p.State == PairInProgress {
			return false
		}
	}
	return true
}

// remoteKey is used by callers correlating an inbound BindingResponse back
// to the pair that sent the request.
func remoteKey(addr *net.UDPAddr) string {
	return addr.String()
}

// FindByRemote returns the index of the pair whose Remote address matches
// addr, or -1.
func (cl *CheckList) FindByRemote(addr *net.UDPAddr) int {
	key := remoteKey(addr)
	for i, p := range cl.Pairs {
		if remoteKey(p.Remote.Addr) == key {
			return i
		}
	}
	return -1
}
