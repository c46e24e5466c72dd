package model

import (
	"crypto/x509"
	"strings"
)

// AuthzSet is the set of (role, service) pairs a peer is authorized for,
// derived from the DNS SAN entries on its leaf certificate. A peer with no ZTNA-shaped SAN entries at all is treated
// as allow-all, for backward compatibility with certificates issued before
// this scheme existed.
type AuthzSet struct {
	// allowAll is set when the certificate carried no ZTNA SAN entries.
	allowAll bool
	// wildcard[role] is set when a "<role>.*.ztna" SAN was present.
	wildcard map[ClientRole]struct{}
	// services[role] is the explicit set of services granted for that role.
	services map[ClientRole]map[ServiceId]struct{}
}

// AllowAllAuthzSet is the AuthzSet given to unauthenticated peers (no client
// certificate presented) and to peers whose certificate carries no ZTNA SAN
// entries: a proof-of-identity gap that older-style deployments may still have, treated as a backward-compatible default rather than a rejection.
func AllowAllAuthzSet() AuthzSet {
	return AuthzSet{allowAll: true}
}

// sanPattern is the parsed form of a single "agent.<service>.ztna" or
// "connector.<service>.ztna" DNS SAN entry.
type sanPattern struct {
	role    ClientRole
	service string // "*" for the wildcard form
}

func parseSAN(dnsName string) (sanPattern, bool) {
	name := strings.ToLower(dnsName)
	if !strings.HasSuffix(name, ".ztna") {
		return sanPattern{}, false
	}
	labels := strings.Split(strings.TrimSuffix(name, ".ztna"), ".")
	if len(labels) != 2 {
		return sanPattern{}, false
	}
	var role ClientRole
	switch labels[0] {
	case "agent":
		role = RoleAgent
	case "connector":
		role = RoleConnector
	default:
		return sanPattern{}, false
	}
	return sanPattern{role: role, service: labels[1]}, true
}

// AuthzSetFromCertificate builds an AuthzSet from a peer's leaf certificate,
// reading every DNS SAN entry and matching the "agent.<service>.ztna" /
// "connector.<service>.ztna" / wildcard scheme. Matching is case-insensitive;
// labels are compared exactly.
func AuthzSetFromCertificate(cert *x509.Certificate) AuthzSet {
	a := AuthzSet{
		wildcard: make(map[ClientRole]struct{}),
		services: make(map[ClientRole]map[ServiceId]struct{}),
	}

	found := false
	for _, dnsName := range cert.DNSNames {
		pat, ok := parseSAN(dnsName)
		if !ok {
			continue
		}
		found = true
		if pat.service == "*" {
			a.wildcard[pat.role] = struct{}{}
			continue
		}
		if a.services[pat.role] == nil {
			a.services[pat.role] = make(map[ServiceId]struct{})
		}
		a.services[pat.role][ServiceId(pat.service)] = struct{}{}
	}

	if !found {
		return AllowAllAuthzSet()
	}
	return a
}

// Allows reports whether this AuthzSet authorizes role to register/use sid.
func (a AuthzSet) Allows(role ClientRole, sid ServiceId) bool {
	if a.allowAll {
		return true
	}
	if _, ok := a.wildcard[role]; ok {
		return true
	}
	if set, ok := a.services[role]; ok {
		_, ok := set[ServiceId(strings.ToLower(string(sid)))]
		return ok
	}
	return false
}
