// Package main implements the sentra server: it authenticates device
// clients over TLS with a three-phase handshake (nonce signature, one-time
// code, executable attestation), owns the user and domain registries, and
// stores only wrapped keys and ciphertext on their behalf.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "sentra-server.yaml", "Path to configuration file")
	passphrase := flag.String("passphrase", os.Getenv("SENTRA_PASSPHRASE"), "Registry protection passphrase")
	apiKey := flag.String("otp-api-key", os.Getenv("SENTRA_OTP_API_KEY"), "API key for the 2FA delivery service")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *passphrase == "" {
		fmt.Fprintln(os.Stderr, "Error: --passphrase or SENTRA_PASSPHRASE is required")
		os.Exit(1)
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: --otp-api-key or SENTRA_OTP_API_KEY is required")
		os.Exit(1)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("version", Version).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("Sentra server starting")

	server, err := NewServer(cfg, *passphrase, NewHTTPCodeSender(cfg.OTP, *apiKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}
