package transport

import (
	"context"
	"sync"
)

// Pipe returns two in-process Conn ends wired to each other. Used by
// session tests and the standalone harness; frames written to one end are
// read from the other in order.
func Pipe() (*PipeConn, *PipeConn) {
	a := newPipeConn()
	b := newPipeConn()
	a.peer, b.peer = b, a
	return a, b
}

// PipeConn is one end of an in-process duplex pipe.
type PipeConn struct {
	peer *PipeConn
	in   chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode CloseCode
	done      chan struct{}
}

func newPipeConn() *PipeConn {
	return &PipeConn{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (p *PipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		// Drain frames written before the close.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.peer.in <- buf:
		return nil
	case <-p.peer.done:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Close(code CloseCode, reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeCode = code
	close(p.done)
	p.mu.Unlock()

	p.peer.mu.Lock()
	if !p.peer.closed {
		p.peer.closed = true
		p.peer.closeCode = code
		close(p.peer.done)
	}
	p.peer.mu.Unlock()
	return nil
}

// CloseCodeSeen returns the code the pipe was closed with, for assertions.
func (p *PipeConn) CloseCodeSeen() CloseCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode
}
