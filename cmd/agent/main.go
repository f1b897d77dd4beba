// Command agent is the per-room child process spawned by the gateway. It
// relays between one Archipelago server (websocket) and its parent process
// (newline-delimited JSON arrays on stdio).
//
// stdout carries frames; all logging goes to stderr. The process exits as
// soon as either leg terminates — the gateway decides whether to respawn.
//
// Usage:
//
//	agent --address <host:port> [--password <pw>] --multidata <path> --savedata <path> --loglevel <level>
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

	"github.com/JammyGeeza/Archipelago-sub000/agent"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	address := flag.String("address", "", "Archipelago server address or port (required)")
	password := flag.String("password", "", "Room password")
	multidata := flag.String("multidata", "", "Path to the room's multidata file")
	savedata := flag.String("savedata", "", "Path to the room's save file")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stderr, "agent version %s\n", version)
		return nil
	}
	if *address == "" {
		return fmt.Errorf("--address is required")
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting agent",
		zap.String("version", version),
		zap.String("address", *address),
		zap.String("multidata", *multidata),
		zap.String("savedata", *savedata),
	)

	a, err := agent.New(agent.Options{
		Address:  *address,
		Password: *password,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("agent error: %w", err)
	}
	logger.Info("agent shutdown complete")
	return nil
}

// newLogger builds a stderr-only logger; stdout belongs to the frame stream.
func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
