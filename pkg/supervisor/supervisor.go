// Package supervisor implements the client-side connection pool: it
// owns a set of registered hosts, keeps one pooled client.Peer per
// reachable host, reconnects with exponential backoff when a
// connection drops or fails to establish, and routes outbound requests
// across the live pool.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cascadia-rpc/peerlink/pkg/client"
	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/reactor"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// HostSpec names one endpoint to register at construction time.
type HostSpec struct {
	Host string
	Port int
}

// hostEntry tracks one registered host's connect/reconnect state.
// ready is closed exactly once, when the initial connect loop ends:
// the host connects, the reconnect policy gives up on it, the host is
// removed, or the reactor is found not running.
type hostEntry struct {
	host string
	port int

	ready chan struct{}
	err   error
	once  sync.Once

	mu      sync.Mutex
	removed bool
}

func hostKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// Registration is returned by AddHost; Wait blocks until the host's
// initial connect loop ends, including every retry the reconnect
// policy authorizes, successfully or not.
type Registration struct {
	entry *hostEntry
}

func (r Registration) Wait() error {
	<-r.entry.ready
	return r.entry.err
}

// Supervisor pools client peers across a set of hosts and routes
// requests across whichever are currently live.
type Supervisor[M any] struct {
	reactor reactor.Reactor
	codec   *frame.Codec[M]
	cfg     config[M]

	hostsMu sync.Mutex
	hosts   map[string]*hostEntry

	connsMu sync.Mutex
	conns   []*client.Peer[M]
}

// New constructs a Supervisor bound to rc and codec, registering each
// of hosts. Connecting does not begin until Start is called.
func New[M any](rc reactor.Reactor, codec *frame.Codec[M], hosts []HostSpec, opts ...Option[M]) *Supervisor[M] {
	cfg := defaultConfig[M]()
	for _, o := range opts {
		o(&cfg)
	}

	s := &Supervisor[M]{
		reactor: rc,
		codec:   codec,
		cfg:     cfg,
		hosts:   make(map[string]*hostEntry),
	}
	for _, h := range hosts {
		s.AddHost(h.Host, h.Port)
	}
	return s
}

// AddHost registers host:port if not already registered. It is
// idempotent: a host already registered returns its existing
// registration instead of starting a second connect attempt.
func (s *Supervisor[M]) AddHost(host string, port int) Registration {
	k := hostKey(host, port)

	s.hostsMu.Lock()
	e, ok := s.hosts[k]
	if !ok {
		e = &hostEntry{host: host, port: port, ready: make(chan struct{})}
		s.hosts[k] = e
	}
	s.hostsMu.Unlock()

	if !ok && s.reactor.Running() {
		s.ensureConnecting(e)
	}
	return Registration{entry: e}
}

// RemoveHost unregisters host:port and closes any pooled connection to
// it. A subsequent spontaneous close of that connection will not
// trigger a reconnect.
func (s *Supervisor[M]) RemoveHost(host string, port int) {
	k := hostKey(host, port)

	s.hostsMu.Lock()
	e, ok := s.hosts[k]
	if ok {
		delete(s.hosts, k)
	}
	s.hostsMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	s.connsMu.Lock()
	var kept, removed []*client.Peer[M]
	for _, c := range s.conns {
		if c.Host() == host && c.Port() == port {
			removed = append(removed, c)
		} else {
			kept = append(kept, c)
		}
	}
	s.conns = kept
	s.connsMu.Unlock()

	for _, c := range removed {
		_ = c.Conn().Close(nil)
	}
}

// Start starts the underlying reactor and connects every registered
// host, including retries the reconnect policy authorizes, blocking
// until every host's initial connect loop has ended. A host whose
// reconnect policy always returns true (the default) will hold Start
// open until it is reachable.
func (s *Supervisor[M]) Start() error {
	if err := s.reactor.Start(); err != nil {
		return err
	}

	s.hostsMu.Lock()
	entries := make([]*hostEntry, 0, len(s.hosts))
	for _, e := range s.hosts {
		entries = append(entries, e)
	}
	s.hostsMu.Unlock()

	for _, e := range entries {
		s.ensureConnecting(e)
	}

	var errs []error
	for _, e := range entries {
		<-e.ready
		if e.err != nil {
			errs = append(errs, e.err)
		}
	}
	return multierr.Combine(errs...)
}

// Stop closes every pooled connection and stops the reactor.
func (s *Supervisor[M]) Stop() error {
	s.connsMu.Lock()
	conns := s.conns
	s.connsMu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Conn().Close(nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.reactor.Stop(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// Connections returns a snapshot of the currently pooled peers.
func (s *Supervisor[M]) Connections() []*client.Peer[M] {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*client.Peer[M], len(s.conns))
	copy(out, s.conns)
	return out
}

// ensureConnecting launches the connect-retry loop for e exactly once,
// whether triggered from AddHost (reactor already running) or Start.
func (s *Supervisor[M]) ensureConnecting(e *hostEntry) {
	e.once.Do(func() {
		go s.connectLoop(e, true)
	})
}

// connectLoop repeatedly attempts to connect e until it succeeds, the
// host is removed, or the reconnect policy gives up. resolveReady
// controls whether the terminal outcome closes e.ready: only the
// initial attempt (from ensureConnecting) does; a reconnect loop
// started after a later spontaneous close does not, since e.ready was
// already closed by the first successful connect.
func (s *Supervisor[M]) connectLoop(e *hostEntry, resolveReady bool) {
	var backoff time.Duration
	attempts := 0

	for {
		if !s.reactor.Running() {
			s.giveUp(e, resolveReady, rpcerr.E("supervisor: connect", rpcerr.NoConnection, rpcerr.Str("reactor is not running")))
			return
		}

		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if removed {
			s.giveUp(e, resolveReady, rpcerr.E("supervisor: connect", rpcerr.RequestNotSent, rpcerr.Str("host removed")))
			return
		}

		if err := s.tryConnect(e); err == nil {
			if attempts > 0 {
				s.cfg.log.Info("reconnected after backoff",
					zap.String("host", e.host), zap.Int("port", e.port), zap.Int("attempts", attempts))
			}
			if resolveReady {
				close(e.ready)
			}
			return
		} else {
			attempts++
			s.cfg.log.Warn("connection attempt failed",
				zap.String("host", e.host), zap.Int("port", e.port),
				zap.Int("attempts", attempts), zap.Error(err))
			if !s.cfg.reconnect(e.host, e.port, attempts) {
				s.hostsMu.Lock()
				delete(s.hosts, hostKey(e.host, e.port))
				s.hostsMu.Unlock()
				s.cfg.log.Error("reconnect policy gave up, host removed",
					zap.String("host", e.host), zap.Int("port", e.port), zap.Int("attempts", attempts))
				s.giveUp(e, resolveReady, err)
				return
			}
		}

		if backoff == 0 {
			backoff = s.cfg.connectionTimeout
		} else {
			backoff = minDuration(backoff*2, 10*s.cfg.connectionTimeout)
		}
		s.cfg.log.Debug("scheduling reconnect attempt",
			zap.String("host", e.host), zap.Int("port", e.port), zap.Duration("backoff", backoff))
		<-s.reactor.ScheduleTimer(backoff)
	}
}

func (s *Supervisor[M]) giveUp(e *hostEntry, resolveReady bool, err error) {
	if !resolveReady {
		return
	}
	e.err = err
	close(e.ready)
}

// tryConnect makes one connection attempt, including the
// initializeConnection gate, and adds the resulting peer to the pool
// on success.
func (s *Supervisor[M]) tryConnect(e *hostEntry) error {
	conn, err := s.reactor.Connect(e.host, e.port, s.cfg.connectionTimeout, nil)
	if err != nil {
		return err
	}

	cp, err := client.New[M](conn, s.codec, client.WithMaxChannels(s.cfg.maxChannels), client.WithLogger(s.cfg.log))
	if err != nil {
		_ = conn.Close(err)
		return err
	}

	if err := s.cfg.initializeConnection(cp); err != nil {
		_ = conn.Close(err)
		return err
	}

	s.addConnection(cp)
	s.installReconnectOnClose(e, cp)
	return nil
}

// installReconnectOnClose arms reconnect-on-spontaneous-close: a close
// with a non-nil cause restarts the connect loop from attempts = 0; a
// nil cause (an intentional close, e.g. from RemoveHost or Stop) does
// not.
func (s *Supervisor[M]) installReconnectOnClose(e *hostEntry, cp *client.Peer[M]) {
	cp.OnClosed(func(cause error) {
		s.removeConnection(cp)
		if cause == nil {
			return
		}

		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if removed {
			return
		}

		s.cfg.log.Warn("connection closed unexpectedly, reconnecting",
			zap.String("host", e.host), zap.Int("port", e.port), zap.Error(cause))
		go s.connectLoop(e, false)
	})
}

func (s *Supervisor[M]) addConnection(cp *client.Peer[M]) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	next := make([]*client.Peer[M], len(s.conns)+1)
	copy(next, s.conns)
	next[len(s.conns)] = cp
	s.conns = next
}

func (s *Supervisor[M]) removeConnection(cp *client.Peer[M]) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	kept := make([]*client.Peer[M], 0, len(s.conns))
	for _, c := range s.conns {
		if c != cp {
			kept = append(kept, c)
		}
	}
	s.conns = kept
}

// SendRequest routes request to conn if given, otherwise to whatever
// cfg.chooseConnection selects from the live pool. A request sent
// through the routed pool that fails with a ConnectionClosed error is
// retried exactly once, by routing it again through
// cfg.chooseConnection; the retry's own outcome is returned as is.
func (s *Supervisor[M]) SendRequest(request M, conn *client.Peer[M], timeout time.Duration) *client.Future[M] {
	const op = "supervisor: send request"

	if conn != nil {
		if conn.Closed() {
			return client.NewCompleted[M](*new(M), rpcerr.E(op, rpcerr.RequestNotSent, rpcerr.Str("connection closed")))
		}
		return conn.SendMessage(request, timeout)
	}

	chosen, err := s.cfg.chooseConnection(s.Connections(), request)
	if err != nil {
		return client.NewCompleted[M](*new(M), err)
	}
	if chosen == nil {
		return client.NewCompleted[M](*new(M), rpcerr.E(op, rpcerr.NoConnection, rpcerr.Str("choose connection returned no connection")))
	}
	if chosen.Closed() {
		return client.NewCompleted[M](*new(M), rpcerr.E(op, rpcerr.RequestNotSent, rpcerr.Str("connection closed")))
	}

	first := chosen.SendMessage(request, timeout)

	out, complete := client.NewPending[M]()
	go func() {
		msg, err := first.Wait()
		if err != nil && rpcerr.Is(rpcerr.ConnectionClosed, err) {
			next, cerr := s.cfg.chooseConnection(s.Connections(), request)
			switch {
			case cerr != nil:
				msg, err = *new(M), cerr
			case next == nil:
				msg, err = *new(M), rpcerr.E(op, rpcerr.NoConnection, rpcerr.Str("choose connection returned no connection"))
			default:
				// SendMessage itself fails with RequestNotSent when next
				// has closed since it was chosen.
				msg, err = next.SendMessage(request, timeout).Wait()
			}
		}
		complete(msg, err)
	}()
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
