// Package supervisor establishes the two relay endpoints for an
// established call and binds them into an audio relay.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/agent"
	"github.com/sebas/voicebridge/internal/relay"
	"github.com/sebas/voicebridge/internal/session"
	"github.com/sebas/voicebridge/internal/telephony"
)

// DialFunc opens the far (AI) endpoint for a session.
type DialFunc func(ctx context.Context, conversationRef string, variables map[string]string) (relay.Endpoint, error)

// TerminateFunc moves a session to a terminal state and ends it. Wired to
// the event dispatcher so every termination flows through one path.
type TerminateFunc func(callID string, event session.CallEvent, reason string)

// RelayDoneFunc reports relay completion back to the event dispatcher.
type RelayDoneFunc func(callID string, err error)

// Config holds the supervisor timing knobs.
type Config struct {
	// ConnectAttempts bounds far-endpoint connection attempts.
	ConnectAttempts int
	// ConnectDelay is the fixed delay between attempts.
	ConnectDelay time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// NearWaitTimeout bounds how long one ready endpoint waits for its
	// counterpart before being torn down.
	NearWaitTimeout time.Duration
}

// DefaultConfig returns the default supervisor settings.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: 3,
		ConnectDelay:    1 * time.Second,
		DialTimeout:     15 * time.Second,
		NearWaitTimeout: 30 * time.Second,
	}
}

// pairing is the per-call rendezvous between the near stream and the far
// connection. At most one exists per call; it is deleted on bind or
// teardown. The relay handle itself lives in the session entry, never here.
type pairing struct {
	nearCh chan relay.Endpoint
	timer  *time.Timer
}

// Supervisor owns connection establishment: outbound dialing with bounded
// retry, inbound media admission, and pair binding.
type Supervisor struct {
	cfg       Config
	store     *session.Store
	dial      DialFunc
	terminate TerminateFunc
	relayDone RelayDoneFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pairing

	upgrader websocket.Upgrader

	relaysStarted atomic.Int64
	activeRelays  atomic.Int64
}

// New creates a supervisor. terminate and relayDone are wired to the event
// dispatcher by the caller.
func New(cfg Config, store *session.Store, dial DialFunc, terminate TerminateFunc, relayDone RelayDoneFunc) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		dial:      dial,
		terminate: terminate,
		relayDone: relayDone,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pairing),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  relay.MaxFrameSize,
			WriteBufferSize: relay.MaxFrameSize,
			// Media streams are vendor server-to-server connections.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SessionEstablished is invoked by the dispatcher when a session enters the
// established set. It connects the far endpoint and waits for the near
// stream, without blocking the caller.
func (s *Supervisor) SessionEstablished(callID string) {
	go s.supervise(callID)
}

func (s *Supervisor) supervise(callID string) {
	sess, err := s.store.Get(callID)
	if err != nil {
		slog.Debug("[Supervisor] Session gone before setup", "call_id", callID)
		return
	}

	far, err := s.connectFar(sess)
	if err != nil {
		slog.Warn("[Supervisor] Far endpoint unavailable", "call_id", callID, "error", err)
		s.terminate(callID, session.EventFailed, fmt.Sprintf("agent connect failed: %v", err))
		return
	}

	near, ok := s.awaitNear(callID)
	if !ok {
		slog.Warn("[Supervisor] No media stream within deadline", "call_id", callID)
		_ = far.Close()
		s.terminate(callID, session.EventFailed, "telephony media stream never arrived")
		return
	}

	s.bind(callID, near, far)
}

// connectFar dials the AI endpoint with a fixed delay between attempts.
// Permanent failures (rejected credentials or conversation) short-circuit
// the retry budget.
func (s *Supervisor) connectFar(sess *session.CallSession) (relay.Endpoint, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		far, err := s.dial(dialCtx, sess.ConversationRef, sess.Variables)
		cancel()
		if err == nil {
			return far, nil
		}
		lastErr = err
		if agent.IsPermanent(err) {
			slog.Warn("[Supervisor] Permanent connect failure, not retrying",
				"call_id", sess.ID, "attempt", attempt, "error", err)
			return nil, err
		}
		slog.Warn("[Supervisor] Connect attempt failed",
			"call_id", sess.ID, "attempt", attempt, "attempts", s.cfg.ConnectAttempts, "error", err)
		if attempt == s.cfg.ConnectAttempts {
			break
		}
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(s.cfg.ConnectDelay):
		}
	}
	return nil, fmt.Errorf("all %d connect attempts failed: %w", s.cfg.ConnectAttempts, lastErr)
}

// awaitNear claims a parked near endpoint or waits for one to arrive.
func (s *Supervisor) awaitNear(callID string) (relay.Endpoint, bool) {
	s.mu.Lock()
	p, exists := s.pending[callID]
	if exists && p.timer != nil {
		// A near stream arrived first and is parked; claim it.
		p.timer.Stop()
		p.timer = nil
	} else if !exists {
		p = &pairing{nearCh: make(chan relay.Endpoint, 1)}
		s.pending[callID] = p
	}
	s.mu.Unlock()

	select {
	case near := <-p.nearCh:
		s.dropPending(callID)
		return near, true
	case <-time.After(s.cfg.NearWaitTimeout):
	case <-s.ctx.Done():
	}

	// A stream may have been offered between the deadline firing and the
	// pairing being dropped; it has no owner anymore, so close it.
	s.dropPending(callID)
	select {
	case near := <-p.nearCh:
		_ = near.Close()
	default:
	}
	return nil, false
}

// AcceptNear admits the inbound telephony media stream for callID. The
// request is rejected, not left hanging, when no session exists or the
// session is not yet eligible for media.
func (s *Supervisor) AcceptNear(w http.ResponseWriter, r *http.Request, callID string) {
	sess, err := s.store.GetByCallID(callID)
	if err != nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if !sess.State.MediaEligible() {
		http.Error(w, fmt.Sprintf("call not eligible for media in state %s", sess.State), http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Supervisor] Media upgrade failed", "call_id", callID, "error", err)
		return
	}
	stream := telephony.NewStream(callID, ws)
	slog.Info("[Supervisor] Media stream accepted", "call_id", callID, "remote", r.RemoteAddr)

	s.offerNear(callID, stream)
}

// offerNear hands the stream to a waiting supervise goroutine, or parks it
// with a claim deadline when the far side is not ready yet.
func (s *Supervisor) offerNear(callID string, stream *telephony.Stream) {
	s.mu.Lock()
	p, exists := s.pending[callID]
	if !exists {
		p = &pairing{nearCh: make(chan relay.Endpoint, 1)}
		p.timer = time.AfterFunc(s.cfg.NearWaitTimeout, func() {
			s.dropPending(callID)
			_ = stream.Close()
			slog.Warn("[Supervisor] Parked media stream expired", "call_id", callID)
		})
		s.pending[callID] = p
	}
	s.mu.Unlock()

	select {
	case p.nearCh <- stream:
	default:
		// A second stream for the same call; the pairing holds one.
		slog.Warn("[Supervisor] Duplicate media stream rejected", "call_id", callID)
		_ = stream.Close()
	}
}

func (s *Supervisor) dropPending(callID string) {
	s.mu.Lock()
	delete(s.pending, callID)
	s.mu.Unlock()
}

// bind attaches a new relay to the session and starts it. The attach and
// the eligibility re-check are atomic with respect to lifecycle updates,
// so a session ended mid-setup can never keep a running relay.
func (s *Supervisor) bind(callID string, near, far relay.Endpoint) {
	r := relay.New(near, far, func(err error) {
		s.activeRelays.Add(-1)
		s.relayDone(callID, err)
	})

	_, err := s.store.Update(callID, func(sess *session.CallSession) error {
		if !sess.State.MediaEligible() {
			return fmt.Errorf("session in state %s: %w", sess.State, session.ErrInvalidTransition)
		}
		sess.AttachRelay(r)
		return nil
	})
	if err != nil {
		slog.Warn("[Supervisor] Session unavailable at bind, tearing down", "call_id", callID, "error", err)
		_ = near.Close()
		_ = far.Close()
		return
	}

	s.relaysStarted.Add(1)
	s.activeRelays.Add(1)
	r.Start()
	slog.Info("[Supervisor] Relay bound", "call_id", callID, "relay_id", r.ID)
}

// Stats reports relay counters for the API surface.
type Stats struct {
	RelaysStarted int64 `json:"relays_started"`
	ActiveRelays  int64 `json:"active_relays"`
}

// Stats returns current supervisor counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		RelaysStarted: s.relaysStarted.Load(),
		ActiveRelays:  s.activeRelays.Load(),
	}
}

// Close aborts in-flight connection attempts and near waits. Parked
// pairings expire through their own deadlines.
func (s *Supervisor) Close() {
	s.cancel()
}
