package relay

import (
	"errors"
	"io"
	"sync"
)

// pipeHalf is one direction of an in-memory duplex pipe.
type pipeHalf struct {
	ch     chan []byte
	closed chan struct{}
	once   *sync.Once
}

// PipeEndpoint is an in-memory Endpoint. The peer returned by Pipe reads
// what this side writes and vice versa. Used by tests and local loopback
// wiring; frames pass through unbuffered channels, preserving order.
type PipeEndpoint struct {
	read  *pipeHalf
	write *pipeHalf
}

// Pipe returns a connected in-memory endpoint pair.
func Pipe() (*PipeEndpoint, *PipeEndpoint) {
	aToB := &pipeHalf{ch: make(chan []byte, 1), closed: make(chan struct{}), once: &sync.Once{}}
	bToA := &pipeHalf{ch: make(chan []byte, 1), closed: make(chan struct{}), once: &sync.Once{}}
	a := &PipeEndpoint{read: bToA, write: aToB}
	b := &PipeEndpoint{read: aToB, write: bToA}
	return a, b
}

// ReadFrame blocks for the next frame from the peer. Returns io.EOF once
// either side has closed.
func (p *PipeEndpoint) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.read.ch:
		return frame, nil
	case <-p.read.closed:
		// Drain frames written before the close.
		select {
		case frame := <-p.read.ch:
			return frame, nil
		default:
			return nil, io.EOF
		}
	case <-p.write.closed:
		select {
		case frame := <-p.read.ch:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

// WriteFrame delivers a copy of frame to the peer.
func (p *PipeEndpoint) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return errors.New("pipe: frame exceeds limit")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.write.ch <- buf:
		return nil
	case <-p.write.closed:
		return io.ErrClosedPipe
	case <-p.read.closed:
		return io.ErrClosedPipe
	}
}

// Close closes both directions for this side. Idempotent.
func (p *PipeEndpoint) Close() error {
	p.write.once.Do(func() { close(p.write.closed) })
	p.read.once.Do(func() { close(p.read.closed) })
	return nil
}
