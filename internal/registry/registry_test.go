package registry

import (
	"fmt"
	"testing"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"pgregory.net/rapid"
)

func TestRegisterConnector_SecondAttemptRejected(t *testing.T) {
	r := New()
	if err := r.RegisterConnector("svc", "conn-1"); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := r.RegisterConnector("svc", "conn-2"); err != ErrServiceTaken {
		t.Fatalf("expected ErrServiceTaken, got %v", err)
	}
	cid, ok := r.ConnectorFor("svc")
	if !ok || cid != "conn-1" {
		t.Fatalf("expected svc to stay bound to conn-1, got %s", cid)
	}
}

func TestRegisterConnector_SameConnectionReRegisterIsIdempotent(t *testing.T) {
	r := New()
	if err := r.RegisterConnector("svc", "conn-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterConnector("svc", "conn-1"); err != nil {
		t.Fatalf("re-registering the same connection must not fail: %v", err)
	}
}

func TestAgentsFor_MultipleAgentsPerService(t *testing.T) {
	r := New()
	r.RegisterAgent("svc", "agent-1")
	r.RegisterAgent("svc", "agent-2")

	agents := r.AgentsFor("svc")
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
}

func TestRegisterAgent_MultipleServicesPerAgent(t *testing.T) {
	r := New()
	r.RegisterAgent("svc-a", "agent-1")
	r.RegisterAgent("svc-b", "agent-1")

	services := r.ServicesFor("agent-1")
	if len(services) != 2 {
		t.Fatalf("expected agent subscribed to 2 services, got %d", len(services))
	}
}

func TestRemoveClient_PurgesConnectorEntry(t *testing.T) {
	r := New()
	r.RegisterConnector("svc", "conn-1")
	r.RemoveClient("conn-1")

	if _, ok := r.ConnectorFor("svc"); ok {
		t.Fatal("expected no dangling connector reference after removal")
	}
}

func TestRemoveClient_PurgesAgentEntriesBothDirections(t *testing.T) {
	r := New()
	r.RegisterAgent("svc-a", "agent-1")
	r.RegisterAgent("svc-b", "agent-1")
	r.RemoveClient("agent-1")

	if len(r.ServicesFor("agent-1")) != 0 {
		t.Fatal("expected no services left for removed agent")
	}
	if len(r.AgentsFor("svc-a")) != 0 || len(r.AgentsFor("svc-b")) != 0 {
		t.Fatal("expected no dangling agent references after removal")
	}
}

func TestRemoveClient_DoesNotAffectOtherClients(t *testing.T) {
	r := New()
	r.RegisterConnector("svc-a", "conn-1")
	r.RegisterConnector("svc-b", "conn-2")
	r.RemoveClient("conn-1")

	if _, ok := r.ConnectorFor("svc-b"); !ok {
		t.Fatal("removing one connector must not affect another service's connector")
	}
}

// TestProperty_RegistryUniqueness is the §8 invariant: for all services s,
// |service_to_connector[s]| <= 1 at all times, across any sequence of
// register/remove operations.
func TestProperty_RegistryUniqueness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		owner := make(map[model.ServiceId]model.ConnectionId)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 0, 50).Draw(t, "ops")
		services := []model.ServiceId{"svc-0", "svc-1", "svc-2"}
		conns := []model.ConnectionId{"c-0", "c-1", "c-2"}

		for i, op := range ops {
			sid := services[i%len(services)]
			cid := conns[(i*7+op)%len(conns)]

			switch op {
			case 0: // register connector
				err := r.RegisterConnector(sid, cid)
				if existing, taken := owner[sid]; taken && existing != cid {
					if err != ErrServiceTaken {
						t.Fatalf("expected ErrServiceTaken registering %s for %s (owned by %s)", sid, cid, existing)
					}
				} else {
					if err != nil {
						t.Fatalf("unexpected error: %v", err)
					}
					owner[sid] = cid
				}
			case 1: // remove that connection entirely
				r.RemoveClient(cid)
				for s, c := range owner {
					if c == cid {
						delete(owner, s)
					}
				}
			case 2: // no-op read
			}

			// Invariant: registry view matches our model, and at most one
			// connector per service.
			got, ok := r.ConnectorFor(sid)
			want, wantOk := owner[sid]
			if ok != wantOk || (ok && got != want) {
				t.Fatalf("registry/model mismatch for %s: got (%s,%v) want (%s,%v)", sid, got, ok, want, wantOk)
			}
		}

		if r.ConnectorCount() > len(services) {
			t.Fatalf("connector count %d exceeds distinct services %d", r.ConnectorCount(), len(services))
		}
	})
}

func TestProperty_ReferentialIntegrityAfterRemoval(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		n := rapid.IntRange(1, 10).Draw(t, "n")
		cids := make([]model.ConnectionId, n)
		for i := range cids {
			cids[i] = model.ConnectionId(fmt.Sprintf("agent-%d", i))
			r.RegisterAgent("svc", cids[i])
		}

		removeIdx := rapid.IntRange(0, n-1).Draw(t, "removeIdx")
		r.RemoveClient(cids[removeIdx])

		for _, a := range r.AgentsFor("svc") {
			if a == cids[removeIdx] {
				t.Fatalf("removed agent %s still present in Registry", a)
			}
		}
		if len(r.ServicesFor(cids[removeIdx])) != 0 {
			t.Fatalf("removed agent %s still has services recorded", cids[removeIdx])
		}
	})
}
