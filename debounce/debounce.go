// Package debounce implements emit_delayed(channel, min_gap): a per-channel
// debounce primitive reconcilers use to coalesce a burst of refresh signals
// into a single delayed emission. Grounded on the workqueue.DelayingInterface
// used throughout the npm controllers (podController.go) for
// requeue-after-duration; this package wraps that primitive instead of a
// RateLimitingInterface because a fixed minimum gap is what's needed here,
// not an exponential backoff.
package debounce

import (
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/metrics"
	"k8s.io/client-go/util/workqueue"
)

const historySize = 10

// Channel debounces emissions of a single named signal: a burst of calls to
// EmitDelayed within minGap of each other collapses into one eventual send
// on C, scheduled no sooner than minGap after the last emission.
type Channel struct {
	name   string
	minGap time.Duration
	queue  workqueue.DelayingInterface
	C      chan struct{}

	mu       sync.Mutex
	pending  bool
	lastEmit time.Time
	history  []time.Time
	stopped  bool
	stopOnce sync.Once
}

// New creates a debounce Channel that emits on C no more often than minGap.
func New(name string, minGap time.Duration) *Channel {
	c := &Channel{
		name:   name,
		minGap: minGap,
		queue:  workqueue.NewDelayingQueue(),
		C:      make(chan struct{}, 1),
	}
	go c.run()
	return c
}

// key is the sole item ever placed on the queue; a single named Channel has
// exactly one logical signal, so there is nothing to distinguish by value.
type key struct{}

// EmitDelayed schedules a debounced emission on C. If one is already
// pending, this call is a no-op: the pending emission already represents
// this signal. Otherwise it schedules an emission far enough in the future
// that consecutive emissions are at least minGap apart.
func (c *Channel) EmitDelayed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.pending {
		return
	}
	c.pending = true

	delay := c.minGap - timeSince(c.lastEmit)
	if delay < 0 {
		delay = 0
	}
	c.queue.AddAfter(key{}, delay)
}

// run drains the internal queue and forwards one emission per dequeue onto
// C, recording the emission in history.
func (c *Channel) run() {
	for {
		item, shutdown := c.queue.Get()
		if shutdown {
			return
		}
		c.queue.Done(item)

		c.mu.Lock()
		c.pending = false
		now := nowFunc()
		c.lastEmit = now
		c.history = append(c.history, now)
		if len(c.history) > historySize {
			c.history = c.history[len(c.history)-historySize:]
		}
		c.mu.Unlock()

		metrics.ObserveDebounceEmit(c.name)

		select {
		case c.C <- struct{}{}:
		default:
			// A previous emission is still unconsumed; since EmitDelayed
			// is itself debounced this should not accumulate, but a slow
			// consumer must never block the queue goroutine.
		}
	}
}

// History returns up to the last 10 emission timestamps, oldest first.
func (c *Channel) History() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.history))
	copy(out, c.history)
	return out
}

// Stop shuts down the channel's internal queue and goroutine. Safe to call
// more than once.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.queue.ShutDown()
	})
}

// nowFunc and timeSince are indirected for test determinism.
var nowFunc = time.Now

func timeSince(t time.Time) time.Duration {
	if t.IsZero() {
		return time.Hour * 24 * 365 // far enough in the past to never gate the first emit
	}
	return nowFunc().Sub(t)
}
