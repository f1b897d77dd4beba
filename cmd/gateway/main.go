// Command gateway holds the single Discord connection, supervises one agent
// process per bound room, and relays room events to their bound channels.
//
// Usage:
//
//	gateway [--config <path>]
//
// Environment variables:
//
//	ARCHIPELAGO_DISCORD_TOKEN - Discord bot token (required)
//	ARCHIPELAGO_DATABASE_PATH - SQLite database path
//	ARCHIPELAGO_AGENT_BIN     - Agent executable path
//	ARCHIPELAGO_DATA_DIR      - Per-room data directory
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JammyGeeza/Archipelago-sub000/config"
	"github.com/JammyGeeza/Archipelago-sub000/discord"
	"github.com/JammyGeeza/Archipelago-sub000/gateway"
	"github.com/JammyGeeza/Archipelago-sub000/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the YAML config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version %s\n", version)
		return nil
	}

	logger, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger.Info("starting gateway",
		zap.String("version", version),
		zap.String("database", cfg.DatabasePath),
		zap.String("agent_bin", cfg.AgentBin),
	)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discord session and supervisor reference each other (posts go out,
	// commands come in), so wire the poster through after both exist.
	var session *discord.Session
	sup, err := gateway.New(gateway.Options{
		AgentBin: cfg.AgentBin,
		LogLevel: cfg.LogLevel,
		Store:    st,
		Poster: posterFunc(func(channelID, text string) error {
			return session.PostMessage(channelID, text)
		}),
		Logger: logger.Named("supervisor"),
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	commands := gateway.NewCommands(sup, cfg.DataDir, logger.Named("commands"))
	session, err = discord.New(discord.Options{
		Token:     cfg.DiscordToken,
		AdminOnly: cfg.AdminOnly,
		Commander: commands,
		Logger:    logger.Named("discord"),
	})
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer session.Close()

	if err := sup.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	sup.Close()
	return nil
}

type posterFunc func(channelID, text string) error

func (f posterFunc) PostMessage(channelID, text string) error {
	return f(channelID, text)
}

func newLogger(debug bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: debug,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
