package intermediate

import (
	"testing"
	"time"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
)

func TestSessionManager_OpenAndRoute(t *testing.T) {
	sm := NewSessionManager()
	sid := signaling.NewSessionId()
	now := time.Unix(0, 0)
	sm.Open(sid, "agent-1", "connector-1", now)

	agent, ok := sm.AgentFor(sid)
	if !ok || agent != "agent-1" {
		t.Fatalf("expected agent-1, got %v ok=%v", agent, ok)
	}
	connector, ok := sm.ConnectorFor(sid)
	if !ok || connector != "connector-1" {
		t.Fatalf("expected connector-1, got %v ok=%v", connector, ok)
	}
}

func TestSessionManager_SweepExpiredSignaling(t *testing.T) {
	sm := NewSessionManager()
	sid := signaling.NewSessionId()
	now := time.Unix(0, 0)
	sm.Open(sid, "a", "c", now)

	expired := sm.SweepExpired(now.Add(signalingTimeout + time.Second))
	if len(expired) != 1 || expired[0] != sid {
		t.Fatalf("expected sid to expire, got %v", expired)
	}
	if sm.Count() != 0 {
		t.Fatalf("expected session removed after sweep, count=%d", sm.Count())
	}
}

func TestSessionManager_SweepDoesNotExpireBeforeTimeout(t *testing.T) {
	sm := NewSessionManager()
	sid := signaling.NewSessionId()
	now := time.Unix(0, 0)
	sm.Open(sid, "a", "c", now)

	expired := sm.SweepExpired(now.Add(signalingTimeout / 2))
	if len(expired) != 0 {
		t.Fatalf("expected no expiry before timeout, got %v", expired)
	}
	if sm.Count() != 1 {
		t.Fatalf("expected session to still be tracked, count=%d", sm.Count())
	}
}

func TestSessionManager_ConnectedSessionsSweptOpportunistically(t *testing.T) {
	sm := NewSessionManager()
	sid := signaling.NewSessionId()
	now := time.Unix(0, 0)
	sm.Open(sid, "a", "c", now)
	sm.MarkConnected(sid)

	sm.SweepExpired(now)
	if sm.Count() != 0 {
		t.Fatalf("expected connected session cleaned up on sweep, count=%d", sm.Count())
	}
}

func TestSessionManager_RemoveByConnectionPurgesReferences(t *testing.T) {
	sm := NewSessionManager()
	sid1 := signaling.NewSessionId()
	sid2 := signaling.NewSessionId()
	now := time.Unix(0, 0)
	sm.Open(sid1, "agent-x", "connector-1", now)
	sm.Open(sid2, "agent-y", "connector-1", now)

	sm.RemoveByConnection(model.ConnectionId("connector-1"))
	if sm.Count() != 0 {
		t.Fatalf("expected both sessions purged when their shared connector disconnects, count=%d", sm.Count())
	}
}

func TestSessionManager_UnknownSessionLookupFails(t *testing.T) {
	sm := NewSessionManager()
	if _, ok := sm.AgentFor(signaling.NewSessionId()); ok {
		t.Fatalf("expected lookup of unknown session to fail")
	}
}
