package intermediate

import (
	"sync"
	"time"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
)

// signalingTimeout and punchStartDelay mirror package p2p's session timing
// constants; kept separate since the Intermediate only needs to expire
// sessions, not run the full state machine.
const (
	signalingTimeout = 10 * time.Second
	punchStartDelay  = 50 * time.Millisecond
)

// sessionState is a signaling session's lifecycle position, tracked only
// for expiry/cleanup purposes — the actual ICE state machine lives with the
// Agent and Connector, not the Intermediate.
type sessionState uint8

const (
	sessionSignaling sessionState = iota
	sessionConnected
	sessionFailed
)

type session struct {
	id          signaling.SessionId
	agentCID    model.ConnectionId
	connectorCID model.ConnectionId
	state       sessionState
	createdAt   time.Time
}

// SessionManager tracks in-flight P2P signaling sessions relayed between an
// Agent and a Connector. It is safe for concurrent use since
// the Intermediate services one goroutine per connection.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[signaling.SessionId]*session
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[signaling.SessionId]*session)}
}

// Open records a new session keyed by sid, binding the agent and connector
// connection ids, when an Offer first arrives.
func (sm *SessionManager) Open(sid signaling.SessionId, agentCID, connectorCID model.ConnectionId, now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[sid] = &session{
		id:           sid,
		agentCID:     agentCID,
		connectorCID: connectorCID,
		state:        sessionSignaling,
		createdAt:    now,
	}
}

// AgentFor returns the agent connection id bound to sid, for routing a
// Connector's Answer back to the Agent that sent the Offer.
func (sm *SessionManager) AgentFor(sid signaling.SessionId) (model.ConnectionId, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sid]
	if !ok {
		return "", false
	}
	return s.agentCID, true
}

// ConnectorFor returns the connector connection id bound to sid.
func (sm *SessionManager) ConnectorFor(sid signaling.SessionId) (model.ConnectionId, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sid]
	if !ok {
		return "", false
	}
	return s.connectorCID, true
}

// MarkConnected transitions sid out of Signaling once both sides have been
// sent StartPunching; it is then cleaned up opportunistically rather than
// on a timer.
func (sm *SessionManager) MarkConnected(sid signaling.SessionId) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[sid]; ok {
		s.state = sessionConnected
	}
}

// MarkFailed transitions sid to Failed, for the Abort path.
func (sm *SessionManager) MarkFailed(sid signaling.SessionId) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[sid]; ok {
		s.state = sessionFailed
	}
}

// Remove drops sid regardless of state, used for opportunistic cleanup of
// terminal sessions.
func (sm *SessionManager) Remove(sid signaling.SessionId) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, sid)
}

// SweepExpired removes every session still in Signaling whose age exceeds
// signalingTimeout and every terminal (Connected/Failed) session. It
// returns the ids of the expired Signaling sessions only; terminal sessions
// it removes are not included.
func (sm *SessionManager) SweepExpired(now time.Time) []signaling.SessionId {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var expired []signaling.SessionId
	for sid, s := range sm.sessions {
		switch {
		case s.state == sessionSignaling && now.Sub(s.createdAt) > signalingTimeout:
			expired = append(expired, sid)
			delete(sm.sessions, sid)
		case s.state == sessionConnected || s.state == sessionFailed:
			delete(sm.sessions, sid)
		}
	}
	return expired
}

// RemoveByConnection drops every session referencing cid, called when a
// connection is reaped so no dangling references survive.
func (sm *SessionManager) RemoveByConnection(cid model.ConnectionId) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for sid, s := range sm.sessions {
		if s.agentCID == cid || s.connectorCID == cid {
			delete(sm.sessions, sid)
		}
	}
}

// Count returns the number of tracked sessions, for tests.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// PunchStartDelay exposes the t0 offset used when scheduling StartPunching
// messages.
func PunchStartDelay() time.Duration { return punchStartDelay }
