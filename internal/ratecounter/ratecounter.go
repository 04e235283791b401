// Package ratecounter wraps go-metrics' EWMA to track upload/download
// speeds the same way the teacher tracks per-torrent transfer rates.
package ratecounter

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Counter is an exponentially-weighted moving average rate counter, ticked
// once per second by the owner's periodic loop.
type Counter struct {
	ewma metrics.EWMA
}

// New returns a Counter using a one-minute EWMA, matching the decay
// constant go-metrics ships for rate-over-a-minute sampling.
func New() *Counter {
	return &Counter{ewma: metrics.NewEWMA1()}
}

// Update records n bytes transferred since the last Tick.
func (c *Counter) Update(n int64) {
	c.ewma.Update(n)
}

// Tick advances the EWMA by one sampling interval. Call this once per
// second from the owning session's periodic loop.
func (c *Counter) Tick() {
	c.ewma.Tick()
}

// Rate returns the current smoothed bytes/sec rate.
func (c *Counter) Rate() float64 {
	return c.ewma.Rate()
}

// TickerInterval is the expected cadence of Tick, kept alongside the
// counter so callers don't need to duplicate the constant.
const TickerInterval = time.Second
