// Package peer implements the base per-connection state machine shared
// by client and server peers: it owns the inbound byte buffer and
// decode state, drives the frame codec from the connection's inbound
// data, and fans out a one-shot close notification. Client and server
// peers are built by embedding *Peer[M] and supplying their own
// message-handling closure in place of a protected hook, since Go has
// no subclassing to hang one on.
package peer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/reactor"
)

// Peer drives codec decoding from conn's inbound stream and delivers
// complete frames to handle.
type Peer[M any] struct {
	conn  reactor.Connection
	codec *frame.Codec[M]
	log   *zap.Logger

	handle func(msg M, channel int)

	buf   []byte
	state frame.DecodeState

	closeOnce sync.Once
	closeCh   chan struct{}

	closeMu        sync.Mutex
	closeCause     error
	closeListeners []func(error)
}

// New wires a Peer to conn: conn's OnData feeds the codec, conn's
// OnClosed fulfills the one-shot close notification, and every
// complete decoded frame is delivered to handle.
func New[M any](conn reactor.Connection, codec *frame.Codec[M], handle func(msg M, channel int), log *zap.Logger) *Peer[M] {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Peer[M]{
		conn:    conn,
		codec:   codec,
		handle:  handle,
		log:     log,
		closeCh: make(chan struct{}),
	}
	conn.OnData(p.onData)
	conn.OnClosed(p.onConnClosed)
	return p
}

// Conn returns the underlying connection.
func (p *Peer[M]) Conn() reactor.Connection { return p.conn }

// Closed reports whether the underlying connection has closed.
func (p *Peer[M]) Closed() bool { return p.conn.Closed() }

// OnClosed registers listener to receive the close cause (nil for a
// clean close) exactly once. A listener registered after the peer has
// already closed is invoked immediately with the recorded cause.
func (p *Peer[M]) OnClosed(listener func(cause error)) {
	p.closeMu.Lock()
	select {
	case <-p.closeCh:
		cause := p.closeCause
		p.closeMu.Unlock()
		listener(cause)
		return
	default:
	}
	p.closeListeners = append(p.closeListeners, listener)
	p.closeMu.Unlock()
}

// Write encodes msg for channel and writes it to the connection.
func (p *Peer[M]) Write(msg M, channel int) error {
	encoded, err := p.codec.Encode(msg, channel)
	if err != nil {
		return err
	}
	return p.conn.Write(encoded)
}

// WriteEncoded writes an already-encoded frame (used by client peers
// replaying a recoded, eagerly-encoded queued request).
func (p *Peer[M]) WriteEncoded(encoded []byte) error {
	return p.conn.Write(encoded)
}

func (p *Peer[M]) onData(data []byte) {
	p.buf = append(p.buf, data...)
	for {
		msg, channel, complete, n, err := p.codec.Decode(p.buf, &p.state)
		p.buf = p.buf[n:]
		if err != nil {
			p.log.Warn("malformed frame, closing connection", zap.Error(err))
			p.conn.Close(err)
			return
		}
		if !complete {
			return
		}
		p.handle(msg, channel)
		if len(p.buf) == 0 {
			return
		}
	}
}

func (p *Peer[M]) onConnClosed(cause error) {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closeCause = cause
		listeners := p.closeListeners
		p.closeListeners = nil
		close(p.closeCh)
		p.closeMu.Unlock()

		for _, l := range listeners {
			l(cause)
		}
	})
}
