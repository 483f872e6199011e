package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"dnswarden/internal/app/bootstrap"
	"dnswarden/internal/app/server"
	"dnswarden/internal/auth"
	"dnswarden/internal/config"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", 0, "Port for the API server (overrides HTTP_PORT)")
	seedFlag := flag.String("seed", "", "YAML file with domains to monitor (overrides DOMAINS_SEED_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel)

	port := resolvePort("DNSWARDEN_PORT", *portFlag, cfg.HTTPPort)
	seedFile := cfg.SeedFile
	if *seedFlag != "" {
		seedFile = *seedFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	if err := components.SeedDomains(ctx, seedFile); err != nil {
		return fmt.Errorf("failed to seed domains: %w", err)
	}

	components.StartBackground(ctx)

	authenticator := auth.New(cfg.JWTSecret)
	if !authenticator.Enabled() {
		log.Warn("API_JWT_SECRET not set, API writes and HTTP votes are disabled")
	}

	srv := server.New(components.Store, components.Monitor, components.Coordinator, authenticator)
	if err := srv.Serve(ctx, port); err != nil {
		return err
	}

	log.Info("dnswarden stopped")
	return nil
}

// resolvePort picks the env override, then the flag, then the configured port.
func resolvePort(envKey string, flagValue int, fallback int) int {
	if port := readPort(envKey); port != 0 {
		return port
	}
	if flagValue > 0 && flagValue <= 65535 {
		return flagValue
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
