// Package agent implements the far relay endpoint: the WebSocket client
// side of the conversational-AI connection, including its out-of-band
// control channel.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/relay"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnauthorized indicates the endpoint rejected our credentials.
	ErrUnauthorized = errors.New("agent endpoint rejected credentials")

	// ErrHandshakeTimeout indicates the metadata message never arrived.
	ErrHandshakeTimeout = errors.New("timed out waiting for conversation metadata")

	// ErrConnClosed indicates the connection is already closed.
	ErrConnClosed = errors.New("agent connection closed")

	// ErrConversationRejected indicates the endpoint refused the
	// conversation during the handshake.
	ErrConversationRejected = errors.New("conversation rejected by endpoint")
)

// ConnectError reports a failed connection attempt. Permanent failures
// (bad credentials, rejected conversation) must not be retried.
type ConnectError struct {
	URL       string
	Permanent bool
	Cause     error
}

// Error returns the error message.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// IsPermanent reports whether err is a connection failure that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Permanent
}

// Config holds the agent endpoint settings.
type Config struct {
	// URL is the WebSocket URL of the conversational-AI endpoint.
	URL string
	// APIKey is sent as the authorization header when non-empty.
	APIKey string
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
	// MetadataTimeout bounds the wait for the initial metadata message.
	MetadataTimeout time.Duration
	// WriteTimeout bounds individual frame writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default agent endpoint settings.
func DefaultConfig(url, apiKey string) Config {
	return Config{
		URL:              url,
		APIKey:           apiKey,
		HandshakeTimeout: 10 * time.Second,
		MetadataTimeout:  10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Conn is an established agent connection. It satisfies relay.Endpoint:
// binary frames surface through ReadFrame/WriteFrame while the text
// control channel (metadata, ping/pong, errors) is serviced internally by
// a dedicated reader, so keep-alives are answered even before any audio
// flows.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	// ConversationID is assigned by the endpoint in its metadata message.
	ConversationID string

	frames chan []byte
	// done is closed by readLoop on exit; quit is closed by Close to
	// release a readLoop blocked on a full frame queue.
	done chan struct{}
	quit chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the agent endpoint, waits for the conversation metadata
// acknowledgement and sends the initiation message carrying variables.
// conversationRef, when non-empty, is passed as the conversation query
// parameter so the endpoint can resume a pre-created conversation.
func Dial(ctx context.Context, cfg Config, conversationRef string, variables map[string]string) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	url := cfg.URL
	if conversationRef != "" {
		url = url + "?conversation=" + conversationRef
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		permanent := false
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			permanent = true
			err = fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, &ConnectError{URL: cfg.URL, Permanent: permanent, Cause: err}
	}
	ws.SetReadLimit(relay.MaxFrameSize + 1024)

	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}

	// The endpoint speaks first: handshake completes on its metadata
	// message. Pings arriving before metadata are still answered.
	if err := c.awaitMetadata(ctx); err != nil {
		_ = ws.Close()
		return nil, &ConnectError{
			URL:       cfg.URL,
			Permanent: errors.Is(err, ErrConversationRejected),
			Cause:     err,
		}
	}

	init := initMessage{Type: typeConversationInit, DynamicVariables: variables}
	if err := c.writeJSON(init); err != nil {
		_ = ws.Close()
		return nil, &ConnectError{URL: cfg.URL, Cause: fmt.Errorf("send initiation: %w", err)}
	}

	go c.readLoop()

	slog.Info("[Agent] Connected", "conversation_id", c.ConversationID, "url", cfg.URL)
	return c, nil
}

// awaitMetadata reads until the metadata message arrives, servicing
// keep-alives along the way.
func (c *Conn) awaitMetadata(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.MetadataTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				return ErrHandshakeTimeout
			}
			return err
		}
		if messageType != websocket.TextMessage {
			// Binary audio before initiation is a protocol anomaly; drop it.
			slog.Warn("[Agent] Dropping binary frame received before metadata")
			continue
		}

		var env controlEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("[Agent] Malformed control message during handshake", "error", err)
			continue
		}
		switch env.Type {
		case typeConversationMetadata:
			var md metadataMessage
			if err := json.Unmarshal(data, &md); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			c.ConversationID = md.Metadata.ConversationID
			return nil
		case typePing:
			c.handlePing(data)
		case typeError:
			var em errorMessage
			_ = json.Unmarshal(data, &em)
			return fmt.Errorf("%w: %s", ErrConversationRejected, em.Message)
		default:
			slog.Debug("[Agent] Ignoring control message during handshake", "type", env.Type)
		}
	}
}

// readLoop is the single reader. Binary frames and decoded text-channel
// audio are queued for ReadFrame; control messages are handled in place.
func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				c.setReadErr(err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			select {
			case c.frames <- data:
			case <-c.quit:
				return
			}
		case websocket.TextMessage:
			if frame := c.handleControl(data); frame != nil {
				select {
				case c.frames <- frame:
				case <-c.quit:
					return
				}
			}
		}
	}
}

// handleControl interprets one text frame. A non-nil return is a decoded
// audio payload to forward; everything else is consumed here. Malformed or
// unknown messages never abort the connection.
func (c *Conn) handleControl(data []byte) []byte {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("[Agent] Malformed control message", "error", err)
		return nil
	}

	switch env.Type {
	case typePing:
		c.handlePing(data)
	case typeAudio:
		var am audioMessage
		if err := json.Unmarshal(data, &am); err != nil {
			slog.Warn("[Agent] Malformed audio message", "error", err)
			return nil
		}
		payload, err := base64.StdEncoding.DecodeString(am.Audio.AudioBase64)
		if err != nil {
			slog.Warn("[Agent] Undecodable audio payload", "error", err)
			return nil
		}
		return payload
	case typeError:
		var em errorMessage
		_ = json.Unmarshal(data, &em)
		slog.Warn("[Agent] Endpoint reported error", "message", em.Message)
	case typeConversationMetadata:
		// Duplicate metadata after handshake; nothing to update.
	default:
		slog.Debug("[Agent] Ignoring control message", "type", env.Type)
	}
	return nil
}

func (c *Conn) handlePing(data []byte) {
	var pm pingMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		slog.Warn("[Agent] Malformed ping", "error", err)
		return
	}
	pong := pongMessage{Type: typePong, EventID: pm.Ping.EventID}
	if err := c.writeJSON(pong); err != nil {
		slog.Debug("[Agent] Pong write failed", "error", err)
	}
}

// ReadFrame returns the next audio frame from the agent. io.EOF signals a
// clean close.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		// Drain frames queued before the reader exited.
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		if err := c.readError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// WriteFrame sends one binary audio frame to the agent.
func (c *Conn) WriteFrame(frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Conn) writeJSON(v any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// Close performs the close handshake and tears the connection down.
// Idempotent; unblocks any pending ReadFrame.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) setReadErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *Conn) readError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}
