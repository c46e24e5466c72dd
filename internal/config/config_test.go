package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTLSMaterial_LoadRequiresCertAndKey(t *testing.T) {
	m := TLSMaterial{}
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected an error when cert/key paths are empty")
	}
}

func TestLoadIntermediate_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intermediate.toml")
	contents := `
listen_addr = "0.0.0.0:4433"
metrics_addr = "127.0.0.1:9090"

[tls]
cert = "/etc/ztna/intermediate.crt"
key = "/etc/ztna/intermediate.key"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadIntermediate(path)
	if err != nil {
		t.Fatalf("LoadIntermediate: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:4433" {
		t.Fatalf("unexpected listen_addr: %q", cfg.ListenAddr)
	}
	if cfg.TLS.CertPath != "/etc/ztna/intermediate.crt" {
		t.Fatalf("unexpected cert path: %q", cfg.TLS.CertPath)
	}
}

func TestLoadConnector_ParsesP2PSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.toml")
	contents := `
server_addr = "intermediate.example:4433"
service_id = "billing"
forward_to = "127.0.0.1:8080"

[tls]
cert = "connector.crt"
key = "connector.key"
ca = "ca.crt"

[p2p_tls]
cert = "connector-p2p.crt"
key = "connector-p2p.key"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConnector(path)
	if err != nil {
		t.Fatalf("LoadConnector: %v", err)
	}
	if cfg.ServiceID != "billing" {
		t.Fatalf("unexpected service_id: %q", cfg.ServiceID)
	}
	if cfg.P2PTLS.CertPath != "connector-p2p.crt" {
		t.Fatalf("unexpected p2p cert path: %q", cfg.P2PTLS.CertPath)
	}
}
