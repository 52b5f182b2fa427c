package supervisor

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cascadia-rpc/peerlink/pkg/client"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// DefaultConnectionTimeout is the default connect deadline; it also
// doubles as the reconnect backoff base.
const DefaultConnectionTimeout = 5 * time.Second

type config[M any] struct {
	connectionTimeout    time.Duration
	maxChannels          int
	log                  *zap.Logger
	chooseConnection     func([]*client.Peer[M], M) (*client.Peer[M], error)
	reconnect            func(host string, port int, attempts int) bool
	initializeConnection func(*client.Peer[M]) error
}

func defaultConfig[M any]() config[M] {
	return config[M]{
		connectionTimeout:    DefaultConnectionTimeout,
		maxChannels:          client.DefaultMaxChannels,
		log:                  zap.NewNop(),
		chooseConnection:     defaultChooseConnection[M],
		reconnect:            func(string, int, int) bool { return true },
		initializeConnection: func(*client.Peer[M]) error { return nil },
	}
}

// defaultChooseConnection is the default routing policy: uniform-random
// selection across the live pool.
func defaultChooseConnection[M any](conns []*client.Peer[M], _ M) (*client.Peer[M], error) {
	if len(conns) == 0 {
		return nil, rpcerr.E("supervisor: choose connection", rpcerr.NoConnection, rpcerr.Str("no live connections"))
	}
	return conns[rand.Intn(len(conns))], nil //nolint:gosec
}

// Option configures a Supervisor at construction time.
type Option[M any] func(*config[M])

// WithConnectionTimeout sets the connect deadline and backoff base.
func WithConnectionTimeout[M any](d time.Duration) Option[M] {
	return func(c *config[M]) { c.connectionTimeout = d }
}

// WithMaxChannels sets the per-connection in-flight cap applied to
// every pooled client peer.
func WithMaxChannels[M any](n int) Option[M] {
	return func(c *config[M]) { c.maxChannels = n }
}

// WithLogger sets the structured logger used for diagnostics.
func WithLogger[M any](log *zap.Logger) Option[M] {
	return func(c *config[M]) { c.log = log }
}

// WithChooseConnection overrides the routing policy.
func WithChooseConnection[M any](choose func([]*client.Peer[M], M) (*client.Peer[M], error)) Option[M] {
	return func(c *config[M]) { c.chooseConnection = choose }
}

// WithReconnect overrides whether a failed or closed connection should
// be retried. Returning false causes the host to be removed and the
// failure propagated.
func WithReconnect[M any](reconnect func(host string, port int, attempts int) bool) Option[M] {
	return func(c *config[M]) { c.reconnect = reconnect }
}

// WithInitializeConnection overrides the post-connect hook; the
// connection is not added to the pool, and does not count toward
// Start's completion, until it returns nil.
func WithInitializeConnection[M any](init func(*client.Peer[M]) error) Option[M] {
	return func(c *config[M]) { c.initializeConnection = init }
}
