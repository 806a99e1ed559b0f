package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sebas/voicebridge/internal/app"
	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("VoiceBridge", []banner.ConfigLine{
		{Label: "API", Value: cfg.HTTPAddr},
		{Label: "Agent endpoint", Value: cfg.AgentURL},
		{Label: "Connect attempts", Value: strconv.Itoa(cfg.ConnectAttempts)},
		{Label: "Near wait", Value: cfg.NearWaitTimeout.String()},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	bridge, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create voicebridge server", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	run(bridge, cfg)
}

func run(bridge *app.VoiceBridge, cfg *config.Config) {
	slog.Info("Starting VoiceBridge", "addr", cfg.HTTPAddr, "agent", cfg.AgentURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
		}
	}
	cancel()

	time.Sleep(500 * time.Millisecond)
}
