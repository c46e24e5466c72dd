// Package model holds the data types shared by the Intermediate, Connector
// and Agent roles: service identifiers, client roles, and the per-connection
// record the Intermediate keeps for every peer.
package model

import (
	"fmt"
	"net"
	"time"
)

// ServiceId is the opaque routing key clients register and dial by.
// Length is checked at the wire layer (1..=255 bytes); this type carries no
// further validation so callers can compare/hash it directly.
type ServiceId string

// ClientRole is fixed at a connection's first successful registration and
// never changes afterwards (see Client.Role).
type ClientRole uint8

const (
	RoleUnknown ClientRole = iota
	RoleAgent
	RoleConnector
)

func (r ClientRole) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// ConnectionId is an opaque identifier the Intermediate assigns to every
// live QUIC connection. It is generated once per connection (see
// intermediate.Server's handleConnection) and used as the Registry's key type so the Registry
// never has to dereference a live connection object.
type ConnectionId string

// Client is the Intermediate's per-connection record.
type Client struct {
	CID            ConnectionId
	Role           ClientRole
	RemoteAddr     net.Addr
	ServiceIds     map[ServiceId]struct{}
	Authz          AuthzSet
	EstablishedAt  time.Time
}

// NewClient returns a fresh, unregistered Client record for a connection
// that has just completed its QUIC/TLS handshake.
func NewClient(cid ConnectionId, remote net.Addr, authz AuthzSet) *Client {
	return &Client{
		CID:           cid,
		Role:          RoleUnknown,
		RemoteAddr:    remote,
		ServiceIds:    make(map[ServiceId]struct{}),
		Authz:         authz,
		EstablishedAt: time.Now(),
	}
}

// AddService records that this Client has successfully registered for sid.
// It does not limit a Connector to one service, and neither does the
// Registry, which only keeps each service to at most one Connector.
func (c *Client) AddService(sid ServiceId) {
	c.ServiceIds[sid] = struct{}{}
}

// Services returns the set of service ids this client is registered for,
// as a slice in indeterminate order.
func (c *Client) Services() []ServiceId {
	out := make([]ServiceId, 0, len(c.ServiceIds))
	for sid := range c.ServiceIds {
		out = append(out, sid)
	}
	return out
}

func (c *Client) String() string {
	return fmt.Sprintf("Client{cid=%s role=%s remote=%s services=%d}", c.CID, c.Role, c.RemoteAddr, len(c.ServiceIds))
}
