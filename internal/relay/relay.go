// Package relay implements the full-duplex audio forwarder between the
// telephony call leg and the AI conversation endpoint.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single audio frame. The protocol does not fix a
// frame size; endpoints enforce this limit on receive so one frame never
// grows memory unboundedly.
const MaxFrameSize = 8 * 1024

// Endpoint is one side of the relay: a bidirectional frame stream.
//
// ReadFrame blocks until a binary audio frame is available and returns
// io.EOF on a clean close. Implementations service their own control
// traffic (text frames, ping/pong) internally; only binary audio payloads
// surface here. Close must unblock a pending ReadFrame and be idempotent.
type Endpoint interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Stats are the per-direction forwarding counters of a relay.
type Stats struct {
	FramesNearToFar int64 `json:"frames_near_to_far"`
	FramesFarToNear int64 `json:"frames_far_to_near"`
	BytesNearToFar  int64 `json:"bytes_near_to_far"`
	BytesFarToNear  int64 `json:"bytes_far_to_near"`
}

// Relay forwards frames verbatim in both directions between the near
// (telephony) and far (AI) endpoints. The two pump directions share only
// their lifetime: the first one to finish, for any reason, tears the whole
// pair down.
type Relay struct {
	ID   string
	near Endpoint
	far  Endpoint

	ctx      context.Context
	cancel   context.CancelFunc
	active   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	framesNearToFar atomic.Int64
	framesFarToNear atomic.Int64
	bytesNearToFar  atomic.Int64
	bytesFarToNear  atomic.Int64

	errMu    sync.Mutex
	firstErr error

	// onDone, if set, runs exactly once after both pumps have exited and
	// both endpoints are closed. A nil error means both directions ended
	// with a clean close.
	onDone func(err error)
}

// New creates a relay over the given endpoint pair. onDone may be nil.
func New(near, far Endpoint, onDone func(err error)) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		ID:     "relay-" + uuid.New().String(),
		near:   near,
		far:    far,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		onDone: onDone,
	}
}

// Start launches both pump directions. Calling Start on a relay that was
// already stopped is safe: the pumps find closed endpoints and exit.
func (r *Relay) Start() {
	r.active.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pump("near->far", r.near, r.far, &r.framesNearToFar, &r.bytesNearToFar)
	}()
	go func() {
		defer wg.Done()
		r.pump("far->near", r.far, r.near, &r.framesFarToNear, &r.bytesFarToNear)
	}()

	go func() {
		wg.Wait()
		r.active.Store(false)
		close(r.done)
		stats := r.Stats()
		slog.Info("[Relay] Finished",
			"relay_id", r.ID,
			"frames_near_to_far", stats.FramesNearToFar,
			"frames_far_to_near", stats.FramesFarToNear,
			"bytes_near_to_far", stats.BytesNearToFar,
			"bytes_far_to_near", stats.BytesFarToNear,
			"error", r.Err(),
		)
		if r.onDone != nil {
			r.onDone(r.Err())
		}
	}()

	slog.Info("[Relay] Started", "relay_id", r.ID)
}

// pump copies frames from src to dst until close, error or stop. Frame
// order within the direction is preserved; the sibling direction is torn
// down on first exit.
func (r *Relay) pump(direction string, src, dst Endpoint, frames, bytes *atomic.Int64) {
	defer r.halt()

	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && r.ctx.Err() == nil {
				r.setErr(err)
				slog.Debug("[Relay] Read failed", "relay_id", r.ID, "direction", direction, "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := dst.WriteFrame(frame); err != nil {
			if r.ctx.Err() == nil {
				r.setErr(err)
				slog.Debug("[Relay] Write failed", "relay_id", r.ID, "direction", direction, "error", err)
			}
			return
		}
		frames.Add(1)
		bytes.Add(int64(len(frame)))
	}
}

// halt cancels the pair and closes both endpoints, unblocking the sibling
// pump. First caller wins; the rest are no-ops.
func (r *Relay) halt() {
	r.stopOnce.Do(func() {
		r.cancel()
		_ = r.near.Close()
		_ = r.far.Close()
	})
}

// Stop tears the relay down from outside. Idempotent, non-blocking.
func (r *Relay) Stop() {
	r.halt()
}

// Done is closed once both pump directions have exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Active reports whether the pumps are still running.
func (r *Relay) Active() bool {
	return r.active.Load()
}

// Err returns the first transport error observed, or nil for a clean end.
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

func (r *Relay) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
}

// Stats returns the current forwarding counters.
func (r *Relay) Stats() Stats {
	return Stats{
		FramesNearToFar: r.framesNearToFar.Load(),
		FramesFarToNear: r.framesFarToNear.Load(),
		BytesNearToFar:  r.bytesNearToFar.Load(),
		BytesFarToNear:  r.bytesFarToNear.Load(),
	}
}
