// Package reactor defines the external byte-stream I/O contract the
// peer subsystem depends on: connect, bind/accept, on-data/on-closed
// callbacks, write, close, and timers. The peer, client, server, and
// supervisor packages only ever talk to this contract — never to
// net.Conn directly — so any transport (TCP, a test pipe, QUIC, a Unix
// socket) can stand in as long as it satisfies Connection.
package reactor

import "time"

// Connection is a single bidirectional byte stream.
type Connection interface {
	Host() string
	Port() int

	// Write sends data on the connection. It never blocks the caller
	// past handing the bytes to the OS socket buffer.
	Write(data []byte) error

	// Close closes the connection. cause, when non-nil, is delivered
	// to OnClosed listeners and distinguishes an intentional close
	// (nil) from one triggered by an error.
	Close(cause error) error
	Closed() bool

	// OnData registers a listener invoked on the reactor context with
	// each chunk of inbound bytes, in order.
	OnData(listener func(data []byte))
	// OnClosed registers a listener invoked exactly once when the
	// connection closes, with the cause passed to Close (or the error
	// that triggered the close, or nil for a clean close).
	OnClosed(listener func(cause error))
}

// Acceptor listens for inbound connections on a bound address.
type Acceptor interface {
	Close() error
}

// Reactor is the non-blocking I/O driver consumed by the peer
// subsystem. A single Reactor instance is shared by a client
// supervisor or a server across all of its connections.
type Reactor interface {
	// Connect dials host:port with the given timeout. factory is
	// invoked on the reactor context with the raw connection so
	// callers can wrap it (e.g. install OnData/OnClosed) before any
	// data can arrive.
	Connect(host string, port int, timeout time.Duration, factory func(Connection) Connection) (Connection, error)

	// Bind starts listening on address:port with the given backlog.
	// onAccept is invoked on the reactor context for every accepted
	// connection.
	Bind(address string, port int, backlog int, onAccept func(Connection)) (Acceptor, error)

	// ScheduleTimer returns a channel that receives once after d
	// elapses. Unreceived timers are simply garbage; there is no
	// explicit cancellation API.
	ScheduleTimer(d time.Duration) <-chan time.Time

	Start() error
	Stop() error
	Running() bool
}
