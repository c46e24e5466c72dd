package model

import (
	"crypto/x509"
	"testing"
)

func certWithSANs(sans ...string) *x509.Certificate {
	return &x509.Certificate{DNSNames: sans}
}

func TestAuthzSet_NoZTNASANsAllowsAll(t *testing.T) {
	a := AuthzSetFromCertificate(certWithSANs("example.com"))
	if !a.Allows(RoleAgent, "billing") {
		t.Fatal("expected allow-all for certificate with no ZTNA SANs")
	}
	if !a.Allows(RoleConnector, "billing") {
		t.Fatal("expected allow-all for certificate with no ZTNA SANs")
	}
}

func TestAuthzSet_ExplicitService(t *testing.T) {
	a := AuthzSetFromCertificate(certWithSANs("agent.billing.ztna"))
	if !a.Allows(RoleAgent, "billing") {
		t.Fatal("expected agent.billing.ztna to authorize agent/billing")
	}
	if a.Allows(RoleAgent, "payroll") {
		t.Fatal("did not expect authorization for a different service")
	}
	if a.Allows(RoleConnector, "billing") {
		t.Fatal("did not expect cross-role authorization")
	}
}

func TestAuthzSet_Wildcard(t *testing.T) {
	a := AuthzSetFromCertificate(certWithSANs("connector.*.ztna"))
	if !a.Allows(RoleConnector, "anything") {
		t.Fatal("expected wildcard to authorize any service for its role")
	}
	if a.Allows(RoleAgent, "anything") {
		t.Fatal("wildcard for one role must not leak to the other")
	}
}

func TestAuthzSet_CaseInsensitiveMatching(t *testing.T) {
	a := AuthzSetFromCertificate(certWithSANs("Agent.Billing.ZTNA"))
	if !a.Allows(RoleAgent, "Billing") {
		t.Fatal("SAN matching must be case-insensitive")
	}
}

func TestAuthzSet_MixedSANsIgnoresNonZTNA(t *testing.T) {
	a := AuthzSetFromCertificate(certWithSANs("example.com", "agent.billing.ztna"))
	if a.Allows(RoleConnector, "billing") {
		t.Fatal("presence of a ZTNA SAN must not grant allow-all for unlisted role/service pairs")
	}
	if !a.Allows(RoleAgent, "billing") {
		t.Fatal("expected explicit grant to still apply")
	}
}

func TestAllowAllAuthzSet(t *testing.T) {
	a := AllowAllAuthzSet()
	if !a.Allows(RoleAgent, "x") || !a.Allows(RoleConnector, "y") {
		t.Fatal("AllowAllAuthzSet must authorize everything")
	}
}
