// Package clock supplies the time source used for transaction freshness
// checks and block timestamps.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

// NowMillis is the clock's current time in milliseconds since the epoch
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NTPClock applies the offset reported by an NTP server to the local clock.
// Now never touches the network: the offset is refreshed by Run every
// syncInterval, and a failed sync keeps the previous offset and backs off
// before retrying.
type NTPClock struct {
	server       string
	syncInterval time.Duration
	logger       *zap.Logger
	query        func(server string) (time.Duration, error)

	mu      sync.RWMutex
	offset  time.Duration
	backoff time.Duration
}

const (
	backoffInitial = 5 * time.Second
	backoffMax     = 5 * time.Minute
)

// NewNTPClock never fails: when the first query fails the clock starts with
// a zero offset and Run retries after a backoff.
func NewNTPClock(server string, syncInterval time.Duration, logger *zap.Logger) *NTPClock {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &NTPClock{
		server:       server,
		syncInterval: syncInterval,
		logger:       logger.Named("clock"),
		query:        queryOffset,
	}
	c.sync()
	return c
}

func queryOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset is the last offset applied to the local clock
func (c *NTPClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Run resyncs the offset until ctx is cancelled
func (c *NTPClock) Run(ctx context.Context) {
	timer := time.NewTimer(c.nextSync())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.sync()
			timer.Reset(c.nextSync())
		}
	}
}

func (c *NTPClock) nextSync() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backoff > 0 {
		return c.backoff
	}
	return c.syncInterval
}

// sync queries the server outside the lock
func (c *NTPClock) sync() {
	offset, err := c.query(c.server)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.backoff == 0 {
			c.backoff = backoffInitial
		} else {
			c.backoff *= 2
		}
		if c.backoff > backoffMax {
			c.backoff = backoffMax
		}
		c.logger.Warn("ntp sync failed", zap.String("server", c.server), zap.Duration("retry_in", c.backoff), zap.Error(err))
		return
	}
	c.backoff = 0
	c.offset = offset
	c.logger.Debug("ntp sync", zap.String("server", c.server), zap.Duration("offset", offset))
}

// Fixed is a manually driven clock for tests
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
