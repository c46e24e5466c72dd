package connector

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
)

func newTestResponder(t *testing.T) *punchResponder {
	t.Helper()
	r, err := newPunchResponder(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newPunchResponder: %v", err)
	}
	t.Cleanup(r.close)
	return r
}

func TestPunchResponder_AnswerEchoesSessionAndRole(t *testing.T) {
	r := newTestResponder(t)
	offer := signaling.NewCandidateOffer(signaling.NewSessionId(), model.RoleAgent, "billing", nil)

	answer := r.answer(offer)

	if answer.Kind != signaling.KindCandidateAnswer {
		t.Fatalf("expected KindCandidateAnswer, got %v", answer.Kind)
	}
	if answer.SessionId != offer.SessionId {
		t.Fatalf("expected answer to echo the offer's session id")
	}
	if answer.FromRole != model.RoleConnector {
		t.Fatalf("expected FromRole RoleConnector, got %v", answer.FromRole)
	}
}

func TestPunchResponder_AnswerCarriesAHostCandidate(t *testing.T) {
	r := newTestResponder(t)
	offer := signaling.NewCandidateOffer(signaling.NewSessionId(), model.RoleAgent, "billing", nil)

	answer := r.answer(offer)

	for _, c := range answer.Candidates {
		if c.Addr == nil {
			t.Fatalf("candidate missing address")
		}
		if c.Addr.Port != r.checkConn.LocalAddr().(*net.UDPAddr).Port {
			t.Fatalf("candidate port %d does not match responder's check socket port", c.Addr.Port)
		}
	}
}

func TestPunchResponder_OnceGuardsAgainstDoubleStart(t *testing.T) {
	r := newTestResponder(t)

	calls := 0
	r.once.Do(func() { calls++ })
	r.once.Do(func() { calls++ })
	if calls != 1 {
		t.Fatalf("expected sync.Once to allow exactly one call, got %d", calls)
	}
}
