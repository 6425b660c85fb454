package main

import (
	"log/slog"
	"os"

	"github.com/relaycore/browserproxy/internal/config"
	"github.com/relaycore/browserproxy/internal/events"
	"github.com/relaycore/browserproxy/internal/relayserver"
	"github.com/relaycore/browserproxy/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 100)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("browserproxy starting", "version", version)

	if len(cfg.APIKeys) == 1 && cfg.APIKeys[0] == "123456" {
		slog.Warn("API_KEYS not set, using documented default — it is also the admin console password, do not use in production")
	}
	if cfg.CamoufoxExecutablePath == "" {
		slog.Warn("CAMOUFOX_EXECUTABLE_PATH not set, browser auto-recovery will fail until configured")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	bus := events.NewBus(200)

	srv, err := relayserver.New(cfg, db, bus, logHandler)
	if err != nil {
		slog.Error("composition failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
