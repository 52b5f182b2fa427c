// Package server implements the server-side dispatching peer: it
// decodes inbound requests, dispatches them to a user-supplied
// Handler, and writes the response back tagged with the original
// channel, with a single at-most-once error-recovery retry.
package server

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/peer"
	"github.com/cascadia-rpc/peerlink/pkg/reactor"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// Handler is the set of extension points a server peer dispatches
// through.
type Handler[M any] interface {
	// HandleRequest dispatches request and returns its response, or an
	// error. This is a blocking call rather than a future; callers
	// that need concurrency spawn their own goroutine and synchronize
	// before returning.
	HandleRequest(request M, p *Peer[M]) (M, error)

	// HandleError recovers from a HandleRequest or encode failure.
	// original is the response that failed to encode, or nil when the
	// failure came from HandleRequest itself.
	HandleError(cause error, request M, original *M, p *Peer[M]) (M, error)

	// HandleConnection is invoked once per accepted connection, before
	// any message is dispatched.
	HandleConnection(p *Peer[M])
}

// DefaultHandler fails every request and performs no connection setup;
// it's the zero-value handler used when none is configured.
type DefaultHandler[M any] struct{}

func (DefaultHandler[M]) HandleRequest(_ M, _ *Peer[M]) (M, error) {
	var zero M
	return zero, rpcerr.E("server: handle request", rpcerr.Codec, rpcerr.Str("no handler configured"))
}

func (DefaultHandler[M]) HandleError(cause error, _ M, _ *M, _ *Peer[M]) (M, error) {
	var zero M
	return zero, cause
}

func (DefaultHandler[M]) HandleConnection(*Peer[M]) {}

// Peer is the server-side dispatching peer.
type Peer[M any] struct {
	*peer.Peer[M]

	handler Handler[M]
	log     *zap.Logger
}

// New wires a server Peer to conn, invoking handler.HandleConnection
// before any message can be dispatched.
func New[M any](conn reactor.Connection, codec *frame.Codec[M], handler Handler[M], log *zap.Logger) *Peer[M] {
	if log == nil {
		log = zap.NewNop()
	}
	if handler == nil {
		handler = DefaultHandler[M]{}
	}

	sp := &Peer[M]{handler: handler, log: log}
	sp.Peer = peer.New[M](conn, codec, sp.handleMessage, log)
	handler.HandleConnection(sp)
	return sp
}

func (s *Peer[M]) handleMessage(request M, channel int) {
	response, err := s.handler.HandleRequest(request, s)
	if err != nil {
		s.recover(err, request, nil, channel)
		return
	}
	if werr := s.Write(response, channel); werr != nil {
		s.recover(werr, request, &response, channel)
	}
}

// recover applies the single at-most-once HandleError retry: if it
// also fails, or the recovered response also fails to write, the
// failure is logged and the channel is left unresolved on the client
// side until that connection's own close semantics clear it.
func (s *Peer[M]) recover(cause error, request M, original *M, channel int) {
	alt, err := s.handler.HandleError(cause, request, original, s)
	if err != nil {
		s.log.Error("handler error recovery failed, channel left unresolved",
			zap.Error(multierr.Append(cause, err)), zap.Int("channel", channel))
		return
	}
	if werr := s.Write(alt, channel); werr != nil {
		s.log.Error("failed to write recovered response, channel left unresolved",
			zap.Error(multierr.Append(cause, werr)), zap.Int("channel", channel))
	}
}
