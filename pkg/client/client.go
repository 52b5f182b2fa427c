// Package client implements the client-side multiplexing peer: it
// drives many concurrent in-flight requests over one transport
// connection using channel IDs as correlation tokens, with bounded
// channel capacity, FIFO overflow queueing, per-request timeouts, and
// well-defined drain semantics when the connection closes.
package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/peer"
	"github.com/cascadia-rpc/peerlink/pkg/reactor"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// placeholderChannel is written into an eagerly-encoded queued frame;
// its value is irrelevant because Recode overwrites it on dequeue.
const placeholderChannel = 0

type queuedRequest[M any] struct {
	request M
	encoded []byte // set when the codec supports recoding
	future  *Future[M]
}

// Peer is the client-side multiplexing peer.
type Peer[M any] struct {
	*peer.Peer[M]

	host        string
	port        int
	codec       *frame.Codec[M]
	maxChannels int
	log         *zap.Logger
	schedule    func(time.Duration) <-chan time.Time

	mu    sync.Mutex
	slots []*Future[M]
	queue []*queuedRequest[M]

	sentMessages      uint64
	receivedResponses uint64
	timeouts          uint64
}

// New builds a client Peer over conn. It rejects maxChannels outside
// (0, MaxAllowedChannels].
func New[M any](conn reactor.Connection, codec *frame.Codec[M], opts ...Option) (*Peer[M], error) {
	const op = "client: new"

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxChannels <= 0 || cfg.maxChannels > MaxAllowedChannels {
		return nil, rpcerr.E(op, rpcerr.Codec, rpcerr.Str(fmt.Sprintf("max_channels must be in (0, %d]", MaxAllowedChannels)))
	}

	cp := &Peer[M]{
		host:        conn.Host(),
		port:        conn.Port(),
		codec:       codec,
		maxChannels: cfg.maxChannels,
		log:         cfg.log,
		schedule:    cfg.scheduleTimer,
		slots:       make([]*Future[M], cfg.maxChannels),
	}
	cp.Peer = peer.New[M](conn, codec, cp.handleMessage, cfg.log)
	cp.OnClosed(cp.onConnectionClosed)
	return cp, nil
}

// Host and Port identify the remote endpoint this peer connects to.
func (c *Peer[M]) Host() string { return c.host }
func (c *Peer[M]) Port() int    { return c.port }

// SendMessage sends request and returns a future for the eventual
// response. If every channel is occupied, the request is queued and
// written once a channel frees up.
func (c *Peer[M]) SendMessage(request M, timeout time.Duration) *Future[M] {
	const op = "client: send message"

	future := newFuture[M]()

	if c.Closed() {
		var zero M
		future.complete(zero, rpcerr.E(op, rpcerr.RequestNotSent, rpcerr.Str("connection is closed")))
		return future
	}

	c.mu.Lock()
	channel := c.allocateLocked(future)
	if channel < 0 {
		qr := &queuedRequest[M]{request: request, future: future}
		if c.codec.Recoding() {
			if encoded, err := c.codec.Encode(request, placeholderChannel); err == nil {
				qr.encoded = encoded
			}
		}
		c.queue = append(c.queue, qr)
	} else {
		c.sentMessages++
	}
	c.mu.Unlock()

	if timeout > 0 {
		c.armTimeout(future, timeout)
	}

	if channel >= 0 {
		if err := c.Write(request, channel); err != nil {
			future.complete(*new(M), rpcerr.E(op, rpcerr.RequestNotSent, err))
		}
	}

	return future
}

// allocateLocked finds the lowest free slot, installs future in it, and
// returns its index, or -1 if every slot is occupied. Must be called
// with mu held.
func (c *Peer[M]) allocateLocked(future *Future[M]) int {
	for i, f := range c.slots {
		if f == nil {
			c.slots[i] = future
			return i
		}
	}
	return -1
}

func (c *Peer[M]) armTimeout(future *Future[M], timeout time.Duration) {
	fire := c.schedule(timeout)
	go func() {
		<-fire
		if future.Completed() {
			return
		}
		// Count the timeout before completing the future, so a caller
		// woken by the failure already sees it in Stats; roll the count
		// back if a response won the race.
		c.mu.Lock()
		c.timeouts++
		c.mu.Unlock()
		var zero M
		if !future.complete(zero, rpcerr.E("client: timeout", rpcerr.Timeout, rpcerr.Str("request timed out"))) {
			c.mu.Lock()
			c.timeouts--
			c.mu.Unlock()
			return
		}
		c.log.Warn("request timed out waiting for response",
			zap.String("host", c.host), zap.Int("port", c.port), zap.Duration("timeout", timeout))
	}()
}

// handleMessage is the base peer's decoded-frame hook: it completes the
// waiting future for the response's channel, if any, and tries to
// drain the pending queue into any slots that just freed up.
func (c *Peer[M]) handleMessage(msg M, channel int) {
	c.mu.Lock()
	var future *Future[M]
	if channel >= 0 && channel < len(c.slots) {
		future = c.slots[channel]
		c.slots[channel] = nil
	}
	c.mu.Unlock()

	if future == nil {
		c.log.Debug("response on unoccupied channel dropped", zap.Int("channel", channel))
		return
	}

	if future.complete(msg, nil) {
		c.mu.Lock()
		c.receivedResponses++
		c.mu.Unlock()
	} else {
		// This channel's request already failed with a timeout; the
		// late response is dropped without counting as received.
		c.log.Debug("late response after timeout dropped", zap.Int("channel", channel))
	}

	c.flushQueue()
}

type flushedItem[M any] struct {
	qr      *queuedRequest[M]
	channel int
}

// flushQueue walks the queue from the front, assigning freed channels
// in FIFO order, then performs the writes outside the lock: no I/O or
// future fulfillment happens while the channel table is held.
func (c *Peer[M]) flushQueue() {
	const op = "client: flush queue"

	var toWrite []flushedItem[M]

	c.mu.Lock()
	i := 0
	for i < len(c.queue) {
		qr := c.queue[i]
		if qr.future.Completed() {
			// timed out while still queued; drop without consuming a channel
			i++
			continue
		}
		channel := c.allocateLocked(qr.future)
		if channel < 0 {
			break
		}
		c.sentMessages++
		toWrite = append(toWrite, flushedItem[M]{qr: qr, channel: channel})
		i++
	}
	c.queue = c.queue[i:]
	stillQueued := len(c.queue)
	c.mu.Unlock()

	if len(toWrite) > 0 {
		c.log.Debug("reassigned freed channels to queued requests",
			zap.Int("count", len(toWrite)), zap.Int("still_queued", stillQueued))
	}

	for _, item := range toWrite {
		var err error
		if item.qr.encoded != nil {
			var recoded []byte
			recoded, err = c.codec.Recode(item.qr.encoded, item.channel)
			if err == nil {
				err = c.WriteEncoded(recoded)
			}
		} else {
			err = c.Write(item.qr.request, item.channel)
		}
		if err != nil {
			item.qr.future.complete(*new(M), rpcerr.E(op, rpcerr.RequestNotSent, err))
		}
	}
}

// onConnectionClosed drains the channel table and queue, failing every
// outstanding future: in-flight requests with ConnectionClosedError,
// queued requests with RequestNotSent.
func (c *Peer[M]) onConnectionClosed(cause error) {
	c.mu.Lock()
	slots := c.slots
	c.slots = make([]*Future[M], c.maxChannels)
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	active := 0
	for _, f := range slots {
		if f != nil {
			active++
		}
	}
	c.log.Info("connection closed, draining in-flight and queued requests",
		zap.String("host", c.host), zap.Int("port", c.port),
		zap.Int("in_flight", active), zap.Int("queued", len(queue)), zap.Error(cause))

	for _, f := range slots {
		if f != nil {
			f.complete(*new(M), rpcerr.E("client: connection closed", rpcerr.ConnectionClosed, cause))
		}
	}
	for _, qr := range queue {
		qr.future.complete(*new(M), rpcerr.E("client: connection closed", rpcerr.RequestNotSent, cause))
	}
}

// Stats is a single atomic snapshot of the client peer's counters.
type Stats struct {
	Host              string
	Port              int
	MaxChannels       int
	ActiveChannels    int
	QueuedMessages    int
	SentMessages      uint64
	ReceivedResponses uint64
	Timeouts          uint64
}

func (c *Peer[M]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, f := range c.slots {
		if f != nil {
			active++
		}
	}
	return Stats{
		Host:              c.host,
		Port:              c.port,
		MaxChannels:       c.maxChannels,
		ActiveChannels:    active,
		QueuedMessages:    len(c.queue),
		SentMessages:      c.sentMessages,
		ReceivedResponses: c.receivedResponses,
		Timeouts:          c.timeouts,
	}
}
