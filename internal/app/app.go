// Package app assembles the voicebridge service.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/voicebridge/internal/agent"
	"github.com/sebas/voicebridge/internal/api"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/dispatch"
	"github.com/sebas/voicebridge/internal/reaper"
	"github.com/sebas/voicebridge/internal/relay"
	"github.com/sebas/voicebridge/internal/session"
	"github.com/sebas/voicebridge/internal/supervisor"
)

// VoiceBridge is the assembled service.
type VoiceBridge struct {
	cfg        *config.Config
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	reaper     *reaper.Reaper
	apiServer  *api.Server
}

// NewServer wires all components together.
func NewServer(cfg *config.Config) (*VoiceBridge, error) {
	store := session.NewStore()

	agentCfg := agent.DefaultConfig(cfg.AgentURL, cfg.AgentAPIKey)
	agentCfg.HandshakeTimeout = cfg.DialTimeout

	dial := func(ctx context.Context, conversationRef string, variables map[string]string) (relay.Endpoint, error) {
		return agent.Dial(ctx, agentCfg, conversationRef, variables)
	}

	// Dispatcher and supervisor reference each other: transitions trigger
	// connection setup, and every supervisor failure or relay completion
	// terminates through the dispatcher. Function hooks break the loop.
	var dispatcher *dispatch.Dispatcher
	sup := supervisor.New(
		supervisor.Config{
			ConnectAttempts: cfg.ConnectAttempts,
			ConnectDelay:    cfg.ConnectDelay,
			DialTimeout:     cfg.DialTimeout,
			NearWaitTimeout: cfg.NearWaitTimeout,
		},
		store,
		dial,
		func(callID string, event session.CallEvent, reason string) {
			dispatcher.TerminateSession(callID, event, reason)
		},
		func(callID string, err error) {
			dispatcher.RelayDone(callID, err)
		},
	)
	dispatcher = dispatch.New(store, sup)

	rp := reaper.New(
		reaper.Config{
			Interval:         cfg.ReapInterval,
			EstablishTimeout: cfg.EstablishTimeout,
			MaxCallDuration:  cfg.MaxCallDuration,
		},
		store,
		dispatcher.TerminateSession,
	)

	apiServer := api.NewServer(cfg.HTTPAddr, store, dispatcher, sup, sup)

	return &VoiceBridge{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		supervisor: sup,
		reaper:     rp,
		apiServer:  apiServer,
	}, nil
}

// Start runs the API server and the background reaper until ctx is
// canceled or the listener fails.
func (vb *VoiceBridge) Start(ctx context.Context) error {
	go vb.reaper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- vb.apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close shuts the service down: stop accepting, abort connection setup,
// end every session (which stops its relay).
func (vb *VoiceBridge) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := vb.apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[App] API shutdown incomplete", "error", err)
	}
	vb.supervisor.Close()
	vb.store.CloseAll()
	slog.Info("[App] Shutdown complete", "remaining_sessions", vb.store.Count())
}
