package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies one counter. The set is closed: counters are indexed by
// a fixed array, never by free-form strings.
type Key int

const (
	Fetched Key = iota
	Extracted
	BackedUp
	Archived
	Verified
	Repaired
	Skipped
	Processed
	Failed

	numKeys
)

var keyNames = [numKeys]string{
	Fetched:   "fetched",
	Extracted: "extracted",
	BackedUp:  "backed_up",
	Archived:  "archived",
	Verified:  "verified",
	Repaired:  "repaired",
	Skipped:   "skipped",
	Processed: "processed",
	Failed:    "failed",
}

func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("key(%d)", int(k))
	}
	return keyNames[k]
}

// Counters is a fixed set of atomic counters shared across workers.
// It is not persisted; a fresh run starts from zero.
type Counters struct {
	slots [numKeys]atomic.Int64
}

func New() *Counters {
	return &Counters{}
}

// Add increments a counter by delta. Safe for concurrent use.
func (c *Counters) Add(k Key, delta int64) {
	if k < 0 || k >= numKeys {
		return
	}
	c.slots[k].Add(delta)
}

// Get returns the current value of a counter.
func (c *Counters) Get(k Key) int64 {
	if k < 0 || k >= numKeys {
		return 0
	}
	return c.slots[k].Load()
}

// Snapshot returns a point-in-time copy of all counters keyed by name.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, numKeys)
	for k := Key(0); k < numKeys; k++ {
		out[keyNames[k]] = c.slots[k].Load()
	}
	return out
}

// Format renders the non-zero counters as a single status line.
func (c *Counters) Format() string {
	var parts []string
	for k := Key(0); k < numKeys; k++ {
		if v := c.slots[k].Load(); v > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", keyNames[k], v))
		}
	}
	if len(parts) == 0 {
		return "no activity"
	}
	return strings.Join(parts, " ")
}

// Reporter periodically logs a status line with the current counter values
// while a long-running batch is in flight.
type Reporter struct {
	counters *Counters
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReporter(c *Counters, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		counters: c,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the reporting goroutine. Stop must be called to shut it down.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.logger.Info(fmt.Sprintf("📊 Status: %s", r.counters.Format()))
			}
		}
	}()
}

// Stop terminates the reporting goroutine and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
