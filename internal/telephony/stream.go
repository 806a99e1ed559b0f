// Package telephony wraps the inbound call-leg media stream as a relay
// endpoint.
package telephony

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/relay"
)

// ErrStreamClosed indicates the stream is already closed.
var ErrStreamClosed = errors.New("telephony stream closed")

// writeTimeout bounds a single frame write toward the call leg.
const writeTimeout = 10 * time.Second

// Stream is the near relay endpoint: the upgraded WebSocket carrying the
// call leg's audio. Audio is binary both ways; text frames from the vendor
// (stream markers, keep-alives) are tolerated and logged, never forwarded.
type Stream struct {
	CallID string

	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewStream wraps an upgraded connection for the given call.
func NewStream(callID string, ws *websocket.Conn) *Stream {
	ws.SetReadLimit(relay.MaxFrameSize)
	return &Stream{CallID: callID, ws: ws}
}

// ReadFrame blocks for the next binary audio frame from the call leg.
// Returns io.EOF on a clean close.
func (s *Stream) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

// handleText logs vendor text traffic. Nothing on this channel affects the
// relay; lifecycle state travels over the webhook, not the media stream.
func (s *Stream) handleText(data []byte) {
	var env struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("[Telephony] Non-JSON text frame ignored", "call_id", s.CallID)
		return
	}
	kind := env.Event
	if kind == "" {
		kind = env.Type
	}
	slog.Debug("[Telephony] Text frame ignored", "call_id", s.CallID, "kind", kind)
}

// WriteFrame sends one binary audio frame to the call leg.
func (s *Stream) WriteFrame(frame []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close performs the close handshake and tears the stream down.
// Idempotent; unblocks a pending ReadFrame.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
	return nil
}
