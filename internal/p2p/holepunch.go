package p2p

import (
	"time"
)

// HolePunchState is a HolePunchSession's position in its lifecycle state
// machine.
type HolePunchState uint8

const (
	Idle HolePunchState = iota
	Gathering
	Signaling
	Checking
	Connected
	FallbackRelay
	Failed
)

func (s HolePunchState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Gathering:
		return "Gathering"
	case Signaling:
		return "Signaling"
	case Checking:
		return "Checking"
	case Connected:
		return "Connected"
	case FallbackRelay:
		return "FallbackRelay"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Timing constants governing the connectivity-check and hole-punch state
// machines.
const (
	CheckRTTTimeout    = 500 * time.Millisecond
	CheckMaxRetransmit = 3
	NominationGrace    = 50 * time.Millisecond
	HolePunchTimeout   = 10 * time.Second
	SignalingTimeout   = 10 * time.Second
	PunchStartDelay    = 50 * time.Millisecond
)

// HolePunchSession drives one Agent/Connector pair's direct-path attempt.
// It owns a CheckList once candidates have been exchanged and is advanced
// exclusively by the owning connection's single-threaded event loop — no
// internal locking.
type HolePunchSession struct {
	state       HolePunchState
	controlling bool

	localCandidates  []Candidate
	remoteCandidates []Candidate

	checkList *CheckList

	nominatedAt time.Time
	startedAt   time.Time
	deadline    time.Time
}

// NewHolePunchSession constructs a session in Idle.
func NewHolePunchSession(controlling bool) *HolePunchSession {
	return &HolePunchSession{state: Idle, controlling: controlling}
}

// State returns the current state.
func (s *HolePunchSession) State() HolePunchState { return s.state }

// Start transitions Idle -> Gathering.
func (s *HolePunchSession) Start(now time.Time) {
	if s.state != Idle {
		return
	}
	s.state = Gathering
	s.startedAt = now
}

// CandidatesReady transitions Gathering -> Signaling once the local
// candidate set has been gathered and an Offer is about to be sent.
func (s *HolePunchSession) CandidatesReady(local []Candidate, now time.Time) {
	if s.state != Gathering {
		return
	}
	s.localCandidates = local
	s.state = Signaling
	s.deadline = now.Add(SignalingTimeout)
}

// ReceiveAnswer records the remote's candidates. The session only advances
// to Checking once both the Answer and the Intermediate's StartPunching
// have arrived.
func (s *HolePunchSession) ReceiveAnswer(remote []Candidate) {
	if s.state != Signaling {
		return
	}
	s.remoteCandidates = remote
}

// ArmCheckList transitions Signaling -> Checking once StartPunching
// arrives, building the ordered CheckList from the exchanged candidates.
func (s *HolePunchSession) ArmCheckList(now time.Time) bool {
	if s.state != Signaling || s.remoteCandidates == nil {
		return false
	}
	pairs := FormPairs(s.localCandidates, s.remoteCandidates, s.controlling)
	s.checkList = NewCheckList(pairs)
	s.state = Checking
	s.deadline = now.Add(HolePunchTimeout)
	return true
}

// CheckList exposes the armed check list for the caller's connectivity-check
// driver loop.
func (s *HolePunchSession) CheckList() *CheckList { return s.checkList }

// Nominate transitions Checking -> Connected for the given succeeded pair,
// honoring the nomination-grace window: a later, higher-priority success
// within NominationGrace of the first nomination does not unseat it (spec
// §4.7 aggressive nomination).
func (s *HolePunchSession) Nominate(i int, now time.Time) {
	if s.state != Checking || s.checkList == nil {
		return
	}
	if !s.nominatedAt.IsZero() && now.Sub(s.nominatedAt) <= NominationGrace {
		return
	}
	s.checkList.Nominate(i)
	s.nominatedAt = now
	s.state = Connected
}

// Tick advances time-driven transitions: SignalingTimeout in Signaling, and
// HolePunchTimeout or all-pairs-failed in Checking. Returns true if the
// state changed.
func (s *HolePunchSession) Tick(now time.Time) bool {
	switch s.state {
	case Signaling:
		if now.After(s.deadline) {
			s.state = Failed
			return true
		}
	case Checking:
		if now.After(s.deadline) {
			s.state = FallbackRelay
			return true
		}
		if s.checkList != nil && s.checkList.Done() {
			if _, ok := s.checkList.NominatedPair(); !ok {
				s.state = FallbackRelay
				return true
			}
		}
	}
	return false
}

// Abort transitions any state to Failed.
func (s *HolePunchSession) Abort() {
	s.state = Failed
}

// PathTelemetry is the input to SelectPath.
type PathTelemetry struct {
	DirectRTT  time.Duration
	RelayRTT   time.Duration
	DirectLoss float64
	DirectUp   bool
}

// PathKind identifies which transport currently carries traffic.
type PathKind uint8

const (
	PathDirect PathKind = iota
	PathRelay
)

// SelectPath implements the active-path selection policy: prefer Direct
// when it is up, loss is under 5%, and RTT is at most 1.2x the relay's RTT;
// otherwise Relay.
func SelectPath(t PathTelemetry) PathKind {
	if t.DirectUp && t.DirectLoss < 0.05 && t.DirectRTT <= time.Duration(float64(t.RelayRTT)*1.2) {
		return PathDirect
	}
	return PathRelay
}
