// Command ztna-intermediate runs the relay server:
// positional `port cert_path key_path`, optional `--config <toml>`. Exit
// code 0 on clean shutdown, 1 on configuration error, 2 on bind failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/config"
	"github.com/hfyeomans/ztna-agent-sub000/internal/intermediate"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	log := newLogger()

	var tlsMat config.TLSMaterial
	listenAddr := "0.0.0.0:4433"
	metricsAddr := ""

	if *configPath != "" {
		fileCfg, err := config.LoadIntermediate(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load config file")
			return 1
		}
		tlsMat = fileCfg.TLS
		if fileCfg.ListenAddr != "" {
			listenAddr = fileCfg.ListenAddr
		}
		metricsAddr = fileCfg.MetricsAddr
	}

	// Positional args override the config file, matching the CLI's
	// documented precedence.
	args := flag.Args()
	if len(args) >= 1 {
		listenAddr = fmt.Sprintf("0.0.0.0:%s", args[0])
	}
	if len(args) >= 3 {
		tlsMat.CertPath = args[1]
		tlsMat.KeyPath = args[2]
	}

	tlsConfig, err := tlsMat.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid TLS configuration")
		return 1
	}

	srv, err := intermediate.NewServer(listenAddr, tlsConfig, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to bind listener")
		return 2
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, srv, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("addr", srv.Addr().String()).Msg("intermediate listening")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("server stopped unexpectedly")
		return 1
	}

	log.Info().Msg("shut down cleanly")
	return 0
}

func serveMetrics(addr string, srv *intermediate.Server, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.Metrics().Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
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
