// Package registry implements the Intermediate's service routing table:
// which Connector serves a service, and which Agents are subscribed to it.
// The Intermediate mutates it from one goroutine per connection; the mutex
// here guards every access.
package registry

import (
	"errors"
	"sync"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
)

// ErrServiceTaken is returned by RegisterConnector when another live
// Connector already serves sid.
var ErrServiceTaken = errors.New("registry: service already has a connector")

// Registry keeps three indices:
//   - serviceToConnector: one-to-one, a service has at most one Connector.
//   - serviceToAgents: many-to-one, many Agents may subscribe to a service.
//   - agentToServices: the reverse index used for O(1) cleanup on disconnect.
type Registry struct {
	mu sync.Mutex

	serviceToConnector map[model.ServiceId]model.ConnectionId
	serviceToAgents    map[model.ServiceId]map[model.ConnectionId]struct{}
	agentToServices    map[model.ConnectionId]map[model.ServiceId]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		serviceToConnector: make(map[model.ServiceId]model.ConnectionId),
		serviceToAgents:    make(map[model.ServiceId]map[model.ConnectionId]struct{}),
		agentToServices:    make(map[model.ConnectionId]map[model.ServiceId]struct{}),
	}
}

// RegisterConnector installs cid as the Connector for sid. It fails with
// ErrServiceTaken if a different Connector already holds sid.
func (r *Registry) RegisterConnector(sid model.ServiceId, cid model.ConnectionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.serviceToConnector[sid]; ok && existing != cid {
		return ErrServiceTaken
	}
	r.serviceToConnector[sid] = cid
	return nil
}

// RegisterAgent subscribes cid to sid.
func (r *Registry) RegisterAgent(sid model.ServiceId, cid model.ConnectionId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.serviceToAgents[sid] == nil {
		r.serviceToAgents[sid] = make(map[model.ConnectionId]struct{})
	}
	r.serviceToAgents[sid][cid] = struct{}{}

	if r.agentToServices[cid] == nil {
		r.agentToServices[cid] = make(map[model.ServiceId]struct{})
	}
	r.agentToServices[cid][sid] = struct{}{}
}

// ConnectorFor returns the Connector serving sid, if any.
func (r *Registry) ConnectorFor(sid model.ServiceId) (model.ConnectionId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.serviceToConnector[sid]
	return cid, ok
}

// AgentsFor returns the set of Agent ConnectionIds subscribed to sid.
func (r *Registry) AgentsFor(sid model.ServiceId) []model.ConnectionId {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.serviceToAgents[sid]
	out := make([]model.ConnectionId, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}

// ServicesFor returns the services cid (an Agent) is subscribed to.
func (r *Registry) ServicesFor(cid model.ConnectionId) []model.ServiceId {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agentToServices[cid]
	out := make([]model.ServiceId, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// RemoveClient purges every Registry entry mentioning cid, whether it was a
// Connector, an Agent, or (since role is fixed at first registration) never
// registered the other way. This is the atomic-on-removal half of the
// referential-integrity invariant: calling RemoveClient before a Client
// record is dropped from the connection arena leaves no dangling reference.
func (r *Registry) RemoveClient(cid model.ConnectionId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, connCid := range r.serviceToConnector {
		if connCid == cid {
			delete(r.serviceToConnector, sid)
		}
	}

	for sid := range r.agentToServices[cid] {
		if agents := r.serviceToAgents[sid]; agents != nil {
			delete(agents, cid)
			if len(agents) == 0 {
				delete(r.serviceToAgents, sid)
			}
		}
	}
	delete(r.agentToServices, cid)
}

// ConnectorCount returns the number of distinct services with a registered
// Connector. Used only by tests and metrics scraping.
func (r *Registry) ConnectorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.serviceToConnector)
}
