package reactortest

import (
	"errors"
	"sync"
	"time"

	"github.com/cascadia-rpc/peerlink/pkg/reactor"
)

// Reactor is a fake reactor.Reactor for the supervisor test suite:
// ConnectFunc is invoked synchronously from Connect, and every
// ScheduleTimer call is recorded (with the duration it was asked to
// wait) so a test can drive backoff timers by hand and assert on the
// schedule the supervisor requested.
type Reactor struct {
	ConnectFunc func(host string, port int, timeout time.Duration) (reactor.Connection, error)

	mu        sync.Mutex
	running   bool
	timers    []chan time.Time
	durations []time.Duration
}

func NewReactor() *Reactor { return &Reactor{} }

var errConnectNotConfigured = errors.New("reactortest: ConnectFunc not set")

func (r *Reactor) Connect(host string, port int, timeout time.Duration, factory func(reactor.Connection) reactor.Connection) (reactor.Connection, error) {
	if r.ConnectFunc == nil {
		return nil, errConnectNotConfigured
	}
	conn, err := r.ConnectFunc(host, port, timeout)
	if err != nil {
		return nil, err
	}
	if factory != nil {
		return factory(conn), nil
	}
	return conn, nil
}

func (r *Reactor) Bind(string, int, int, func(reactor.Connection)) (reactor.Acceptor, error) {
	return nil, errors.New("reactortest: Bind not supported")
}

func (r *Reactor) ScheduleTimer(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	r.mu.Lock()
	r.timers = append(r.timers, ch)
	r.durations = append(r.durations, d)
	r.mu.Unlock()
	return ch
}

// Timers returns every channel handed out by ScheduleTimer so far, in
// call order. FireTimer(i) resolves Timers()[i].
func (r *Reactor) Timers() []chan time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chan time.Time, len(r.timers))
	copy(out, r.timers)
	return out
}

// Durations returns the delay each ScheduleTimer call was asked for,
// in call order.
func (r *Reactor) Durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.durations))
	copy(out, r.durations)
	return out
}

func (r *Reactor) FireTimer(i int) {
	r.Timers()[i] <- time.Now()
}

func (r *Reactor) Start() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return nil
}

func (r *Reactor) Stop() error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *Reactor) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
