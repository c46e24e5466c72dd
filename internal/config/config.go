// Package config loads the TOML configuration shared by the Intermediate,
// Connector, and Agent binaries, and builds the tls.Config each role needs
// from the cert/key/CA paths it names. Grounded on the teacher's flag-driven
// cmd/unn-entrypoint/main.go for the CLI-vs-file split (flags win, file
// fills gaps) and its generateTLSConfig for the mTLS shape, generalized from
// a self-signed demo cert to file-backed mutual TLS.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TLSMaterial names the cert/key/CA files a role loads its identity from.
type TLSMaterial struct {
	CertPath string `toml:"cert"`
	KeyPath  string `toml:"key"`
	CAPath   string `toml:"ca"`
}

// Load builds a tls.Config from m: the role's own certificate/key as its
// presented identity, and, if CAPath is set, a CA pool used to verify peers
// (mutual TLS). An empty CAPath leaves verification to the system pool,
// which is the Agent/Connector's posture when dialing a public Intermediate.
func (m TLSMaterial) Load() (*tls.Config, error) {
	if m.CertPath == "" || m.KeyPath == "" {
		return nil, fmt.Errorf("config: cert and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(m.CertPath, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: loading keypair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if m.CAPath != "" {
		caPEM, err := os.ReadFile(m.CAPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("config: no certificates found in %s", m.CAPath)
		}
		cfg.ClientCAs = pool
		cfg.RootCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// IntermediateConfig is the Intermediate binary's file-backed configuration.
type IntermediateConfig struct {
	ListenAddr string      `toml:"listen_addr"`
	TLS        TLSMaterial `toml:"tls"`
	MetricsAddr string     `toml:"metrics_addr"`
}

// ConnectorConfig is the Connector binary's file-backed configuration.
type ConnectorConfig struct {
	ServerAddr string      `toml:"server_addr"`
	ServiceID  string      `toml:"service_id"`
	ForwardTo  string      `toml:"forward_to"`
	TLS        TLSMaterial `toml:"tls"`

	P2PListenAddr string      `toml:"p2p_listen_addr"`
	P2PTLS        TLSMaterial `toml:"p2p_tls"`
}

// AgentConfig is the Agent binary's file-backed configuration.
type AgentConfig struct {
	ServerAddr string      `toml:"server_addr"`
	ServiceID  string      `toml:"service_id"`
	LocalAddr  string      `toml:"local_addr"`
	TLS        TLSMaterial `toml:"tls"`
	EnableP2P  bool        `toml:"enable_p2p"`
}

// LoadIntermediate parses an Intermediate TOML config file.
func LoadIntermediate(path string) (IntermediateConfig, error) {
	var c IntermediateConfig
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

// LoadConnector parses a Connector TOML config file.
func LoadConnector(path string) (ConnectorConfig, error) {
	var c ConnectorConfig
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

// LoadAgent parses an Agent TOML config file.
func LoadAgent(path string) (AgentConfig, error) {
	var c AgentConfig
	_, err := toml.DecodeFile(path, &c)
	return c, err
}
