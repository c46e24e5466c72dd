// Command ztna-connector runs the Connector role:
// --server <ip:port> --service <id> --forward <backend ip:port>, with
// --p2p-cert/--p2p-key optionally enabling direct-server mode.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"flag"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/config"
	"github.com/hfyeomans/ztna-agent-sub000/internal/connector"
	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file")
	server := flag.String("server", "", "Intermediate address (ip:port)")
	service := flag.String("service", "", "service id to serve")
	forward := flag.String("forward", "", "backend address (ip:port)")
	cert := flag.String("cert", "", "client certificate path")
	key := flag.String("key", "", "client key path")
	ca := flag.String("ca", "", "CA certificate path")
	p2pListen := flag.String("p2p-listen", "", "direct-mode listen address")
	p2pCert := flag.String("p2p-cert", "", "direct-mode certificate path")
	p2pKey := flag.String("p2p-key", "", "direct-mode key path")
	flag.Parse()

	log := newLogger()

	fileCfg := config.ConnectorConfig{}
	if *configPath != "" {
		loaded, err := config.LoadConnector(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load config file")
			return 1
		}
		fileCfg = loaded
	}

	cfg := config.ConnectorConfig{
		ServerAddr: firstNonEmpty(*server, fileCfg.ServerAddr),
		ServiceID:  firstNonEmpty(*service, fileCfg.ServiceID),
		ForwardTo:  firstNonEmpty(*forward, fileCfg.ForwardTo),
		TLS: config.TLSMaterial{
			CertPath: firstNonEmpty(*cert, fileCfg.TLS.CertPath),
			KeyPath:  firstNonEmpty(*key, fileCfg.TLS.KeyPath),
			CAPath:   firstNonEmpty(*ca, fileCfg.TLS.CAPath),
		},
		P2PListenAddr: firstNonEmpty(*p2pListen, fileCfg.P2PListenAddr),
		P2PTLS: config.TLSMaterial{
			CertPath: firstNonEmpty(*p2pCert, fileCfg.P2PTLS.CertPath),
			KeyPath:  firstNonEmpty(*p2pKey, fileCfg.P2PTLS.KeyPath),
		},
	}

	if cfg.ServerAddr == "" || cfg.ServiceID == "" || cfg.ForwardTo == "" {
		log.Error().Msg("--server, --service, and --forward are required")
		return 1
	}

	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid TLS configuration")
		return 1
	}

	forwardAddr, err := net.ResolveUDPAddr("udp4", cfg.ForwardTo)
	if err != nil {
		log.Error().Err(err).Msg("invalid --forward address")
		return 1
	}

	connCfg := connector.Config{
		ServerAddr: cfg.ServerAddr,
		ServiceID:  model.ServiceId(cfg.ServiceID),
		ForwardTo:  forwardAddr,
		TLSConfig:  tlsConfig,
	}

	if cfg.P2PTLS.CertPath != "" {
		p2pTLS, err := cfg.P2PTLS.Load()
		if err != nil {
			log.Error().Err(err).Msg("invalid P2P TLS configuration")
			return 1
		}
		connCfg.P2PTLSConfig = p2pTLS
		// P2PListenAddr additionally enables the static direct-mode listener;
		// P2PTLSConfig alone is enough for the per-session connectivity-check
		// responder that answers an Agent's hole-punch probes.
		connCfg.P2PListenAddr = cfg.P2PListenAddr
	}

	c := connector.New(connCfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("service", cfg.ServiceID).Msg("connector starting")
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("connector stopped unexpectedly")
		return 1
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("ZTNA_LOG"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
