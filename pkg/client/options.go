package client

import (
	"time"

	"go.uber.org/zap"
)

// DefaultMaxChannels is the per-connection in-flight cap used when no
// WithMaxChannels option is given.
const DefaultMaxChannels = 128

// MaxAllowedChannels is the hard ceiling on max_channels: a channel ID
// must fit the 16-bit field reserved for it in the v2 frame header,
// and construction rejects anything above this.
const MaxAllowedChannels = 1 << 15

type config struct {
	maxChannels   int
	log           *zap.Logger
	scheduleTimer func(time.Duration) <-chan time.Time
}

func defaultConfig() config {
	return config{
		maxChannels:   DefaultMaxChannels,
		log:           zap.NewNop(),
		scheduleTimer: func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// Option configures a client Peer at construction time.
type Option func(*config)

// WithMaxChannels sets the per-connection in-flight cap.
func WithMaxChannels(n int) Option {
	return func(c *config) { c.maxChannels = n }
}

// WithLogger sets the structured logger used for diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithTimerScheduler overrides how per-request timeouts are scheduled,
// the hook a reactor implementation uses to plug in its own timer
// primitive instead of time.After.
func WithTimerScheduler(schedule func(time.Duration) <-chan time.Time) Option {
	return func(c *config) { c.scheduleTimer = schedule }
}
