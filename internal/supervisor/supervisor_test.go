package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/agent"
	"github.com/sebas/voicebridge/internal/relay"
	"github.com/sebas/voicebridge/internal/session"
	"github.com/sebas/voicebridge/internal/telephony"
)

type termination struct {
	callID string
	event  session.CallEvent
	reason string
}

func testConfig() Config {
	return Config{
		ConnectAttempts: 3,
		ConnectDelay:    10 * time.Millisecond,
		DialTimeout:     time.Second,
		NearWaitTimeout: 100 * time.Millisecond,
	}
}

func establishedSession(t *testing.T, store *session.Store, id string) {
	t.Helper()
	if _, err := store.Create(id, "+111", nil); err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	if _, err := store.Update(id, func(s *session.CallSession) error {
		s.State = session.StateEstablished
		return nil
	}); err != nil {
		t.Fatalf("Update(%q): %v", id, err)
	}
}

func TestConnectFarRetriesTransientFailures(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	var attempts atomic.Int32
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		attempts.Add(1)
		return nil, errors.New("dial tcp: connection refused")
	}
	s := New(testConfig(), store, dial, nil, nil)
	defer s.Close()

	sess, _ := store.Get("call-1")
	if _, err := s.connectFar(sess); err == nil {
		t.Fatal("connectFar() error = nil, want failure after exhausted attempts")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
}

func TestConnectFarSucceedsMidRetry(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	var attempts atomic.Int32
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		ep, _ := relay.Pipe()
		return ep, nil
	}
	s := New(testConfig(), store, dial, nil, nil)
	defer s.Close()

	sess, _ := store.Get("call-1")
	far, err := s.connectFar(sess)
	if err != nil {
		t.Fatalf("connectFar() error: %v", err)
	}
	far.Close()
	if got := attempts.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
}

func TestConnectFarPermanentFailureShortCircuits(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	var attempts atomic.Int32
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		attempts.Add(1)
		return nil, &agent.ConnectError{URL: "wss://agent", Permanent: true, Cause: agent.ErrUnauthorized}
	}
	s := New(testConfig(), store, dial, nil, nil)
	defer s.Close()

	sess, _ := store.Get("call-1")
	_, err := s.connectFar(sess)
	if !errors.Is(err, agent.ErrUnauthorized) {
		t.Errorf("connectFar() error = %v, want ErrUnauthorized", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("dial attempts = %d, want 1 for a permanent failure", got)
	}
}

func TestSuperviseTerminatesWhenAgentUnavailable(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	termCh := make(chan termination, 1)
	terminate := func(callID string, event session.CallEvent, reason string) {
		termCh <- termination{callID, event, reason}
	}
	s := New(testConfig(), store, dial, terminate, nil)
	defer s.Close()

	s.SessionEstablished("call-1")

	select {
	case term := <-termCh:
		if term.callID != "call-1" || term.event != session.EventFailed {
			t.Errorf("terminate(%q, %s), want (call-1, Failed)", term.callID, term.event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminate not called after exhausted connect attempts")
	}
}

func TestSuperviseTerminatesWhenNearNeverArrives(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	farPeer, farEp := relay.Pipe()
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		return farEp, nil
	}
	termCh := make(chan termination, 1)
	terminate := func(callID string, event session.CallEvent, reason string) {
		termCh <- termination{callID, event, reason}
	}
	s := New(testConfig(), store, dial, terminate, nil)
	defer s.Close()

	s.SessionEstablished("call-1")

	select {
	case term := <-termCh:
		if term.event != session.EventFailed {
			t.Errorf("terminate event = %s, want Failed", term.event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminate not called after near wait deadline")
	}

	// The dialed far endpoint must not be leaked open.
	if _, err := farPeer.ReadFrame(); err == nil {
		t.Error("far endpoint still open after near wait deadline")
	}
}

func TestSuperviseSessionGoneBeforeSetup(t *testing.T) {
	store := session.NewStore()

	var attempts atomic.Int32
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		attempts.Add(1)
		ep, _ := relay.Pipe()
		return ep, nil
	}
	s := New(testConfig(), store, dial, nil, nil)
	defer s.Close()

	s.supervise("ghost")
	if attempts.Load() != 0 {
		t.Errorf("dial attempts = %d for unknown session, want 0", attempts.Load())
	}
}

func TestAcceptNearUnknownCall(t *testing.T) {
	store := session.NewStore()
	s := New(testConfig(), store, nil, nil, nil)
	defer s.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/ghost", nil)
	s.AcceptNear(rec, req, "ghost")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAcceptNearNotEligible(t *testing.T) {
	store := session.NewStore()
	store.Create("call-1", "+111", nil)

	s := New(testConfig(), store, nil, nil, nil)
	defer s.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/call-1", nil)
	s.AcceptNear(rec, req, "call-1")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d for session in %s, want %d", rec.Code, session.StateCreated, http.StatusConflict)
	}
}

func TestSuperviseBindsAndRelaysMedia(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	farPeer, farEp := relay.Pipe()
	dial := func(ctx context.Context, ref string, vars map[string]string) (relay.Endpoint, error) {
		return farEp, nil
	}
	doneCh := make(chan error, 1)
	relayDone := func(callID string, err error) {
		doneCh <- err
	}
	cfg := testConfig()
	cfg.NearWaitTimeout = 2 * time.Second
	s := New(cfg, store, dial, nil, relayDone)
	defer s.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.AcceptNear(w, r, "call-1")
	}))
	defer srv.Close()

	s.SessionEstablished("call-1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	// Caller audio must surface verbatim at the far endpoint.
	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := farPeer.ReadFrame()
	if err != nil {
		t.Fatalf("far ReadFrame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("far frame = % X, want % X", got, frame)
	}

	// And agent audio must surface at the caller.
	reply := []byte{0xCA, 0xFE}
	if err := farPeer.WriteFrame(reply); err != nil {
		t.Fatalf("far WriteFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage || !bytes.Equal(got, reply) {
		t.Errorf("caller frame = (%d, % X), want (binary, % X)", msgType, got, reply)
	}

	if stats := s.Stats(); stats.RelaysStarted != 1 || stats.ActiveRelays != 1 {
		t.Errorf("Stats() = %+v, want one started and active relay", stats)
	}

	sess, err := store.Get("call-1")
	if err != nil {
		t.Fatalf("Get() after bind: %v", err)
	}
	if sess.Relay() == nil {
		t.Error("session has no relay handle after bind")
	}

	// Hanging up the caller side ends the relay and reports completion.
	conn.Close()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("relay completion not reported after caller hangup")
	}
	if stats := s.Stats(); stats.ActiveRelays != 0 {
		t.Errorf("ActiveRelays = %d after hangup, want 0", stats.ActiveRelays)
	}
}

// newNearStream upgrades a loopback connection and returns the server-side
// stream together with the vendor-side client connection.
func newNearStream(t *testing.T, callID string) (*telephony.Stream, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	streamCh := make(chan *telephony.Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamCh <- telephony.NewStream(callID, ws)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case stream := <-streamCh:
		return stream, client
	case <-time.After(2 * time.Second):
		t.Fatal("stream never upgraded")
		return nil, nil
	}
}

func TestNearStreamNeverLeaksAtWaitDeadline(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")

	cfg := testConfig()
	cfg.NearWaitTimeout = 25 * time.Millisecond
	s := New(cfg, store, nil, nil, nil)
	defer s.Close()

	stream, client := newNearStream(t, "call-1")

	claimed := make(chan relay.Endpoint, 1)
	go func() {
		near, ok := s.awaitNear("call-1")
		if !ok {
			near = nil
		}
		claimed <- near
	}()

	// Offer the stream right at the deadline so either side of the race
	// can win.
	time.Sleep(cfg.NearWaitTimeout)
	s.offerNear("call-1", stream)

	if near := <-claimed; near != nil {
		near.Close()
	}

	// Claimed, drained at the deadline, or parked until expiry: in every
	// interleaving the vendor connection must observe a close.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("media stream left open after the near wait deadline")
	}
}

func TestBindRefusedWhenSessionEnded(t *testing.T) {
	store := session.NewStore()
	establishedSession(t, store, "call-1")
	store.End("call-1")

	s := New(testConfig(), store, nil, nil, func(string, error) {
		t.Error("relayDone called for a bind that must not start")
	})
	defer s.Close()

	nearPeer, nearEp := relay.Pipe()
	farPeer, farEp := relay.Pipe()
	s.bind("call-1", nearEp, farEp)

	if _, err := nearPeer.ReadFrame(); err == nil {
		t.Error("near endpoint left open after refused bind")
	}
	if _, err := farPeer.ReadFrame(); err == nil {
		t.Error("far endpoint left open after refused bind")
	}
	if stats := s.Stats(); stats.RelaysStarted != 0 {
		t.Errorf("RelaysStarted = %d, want 0", stats.RelaysStarted)
	}
}
