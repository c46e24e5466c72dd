// Command ztna-agent runs the Agent role: dials an Intermediate, registers
// for one service, and relays a local application's UDP traffic, optionally
// negotiating a direct P2P path to the Connector.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/agent"
	"github.com/hfyeomans/ztna-agent-sub000/internal/config"
	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file")
	server := flag.String("server", "", "Intermediate address (ip:port)")
	service := flag.String("service", "", "service id to subscribe to")
	local := flag.String("local", "", "local application address (ip:port)")
	cert := flag.String("cert", "", "client certificate path")
	key := flag.String("key", "", "client key path")
	ca := flag.String("ca", "", "CA certificate path")
	enableP2P := flag.Bool("p2p", false, "negotiate a direct path to the Connector")
	flag.Parse()

	log := newLogger()

	fileCfg := config.AgentConfig{}
	if *configPath != "" {
		loaded, err := config.LoadAgent(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load config file")
			return 1
		}
		fileCfg = loaded
	}

	cfg := config.AgentConfig{
		ServerAddr: firstNonEmpty(*server, fileCfg.ServerAddr),
		ServiceID:  firstNonEmpty(*service, fileCfg.ServiceID),
		LocalAddr:  firstNonEmpty(*local, fileCfg.LocalAddr),
		TLS: config.TLSMaterial{
			CertPath: firstNonEmpty(*cert, fileCfg.TLS.CertPath),
			KeyPath:  firstNonEmpty(*key, fileCfg.TLS.KeyPath),
			CAPath:   firstNonEmpty(*ca, fileCfg.TLS.CAPath),
		},
		EnableP2P: *enableP2P || fileCfg.EnableP2P,
	}

	if cfg.ServerAddr == "" || cfg.ServiceID == "" || cfg.LocalAddr == "" {
		log.Error().Msg("--server, --service, and --local are required")
		return 1
	}

	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid TLS configuration")
		return 1
	}

	localAddr, err := net.ResolveUDPAddr("udp4", cfg.LocalAddr)
	if err != nil {
		log.Error().Err(err).Msg("invalid --local address")
		return 1
	}

	a := agent.New(agent.Config{
		ServerAddr: cfg.ServerAddr,
		ServiceID:  model.ServiceId(cfg.ServiceID),
		LocalAddr:  localAddr,
		TLSConfig:  tlsConfig,
		EnableP2P:  cfg.EnableP2P,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("service", cfg.ServiceID).Msg("agent starting")
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("agent stopped unexpectedly")
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
