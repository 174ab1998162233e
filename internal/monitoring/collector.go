// Package monitoring tracks operational health (generation/extraction
// failure rates, AI spend) and raises webhook alerts when thresholds are
// breached, adapted from the teacher's collector/alerter/checker trio.
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of system health over the current
// counting window.
type Snapshot struct {
	GenerationsStarted   int64
	GenerationsCompleted int64
	GenerationsFailed    int64
	GenerationFailRate   float64

	ExtractionJobsCompleted int64
	ExtractionJobsFailed    int64
	ExtractionFailRate      float64

	QuotaRejections int64
	AICostUSD       float64

	WindowStart time.Time
	CollectedAt time.Time
}

// Collector accumulates counters in-process. The store interface exposes
// no time-windowed scan over generation/job history, so unlike the
// teacher's Collector (which re-queries the store each tick), this one is
// fed directly by the components that observe each outcome as it happens.
type Collector struct {
	mu          sync.Mutex
	windowStart time.Time

	generationsStarted   atomic.Int64
	generationsCompleted atomic.Int64
	generationsFailed    atomic.Int64

	extractionJobsCompleted atomic.Int64
	extractionJobsFailed    atomic.Int64

	quotaRejections atomic.Int64
	aiCostMicros    atomic.Int64 // dollars * 1e6, to keep the accumulator lock-free
}

// NewCollector builds a Collector with its window starting now.
func NewCollector() *Collector {
	return &Collector{windowStart: time.Now().UTC()}
}

func (c *Collector) RecordGenerationStarted()   { c.generationsStarted.Add(1) }
func (c *Collector) RecordGenerationCompleted() { c.generationsCompleted.Add(1) }
func (c *Collector) RecordGenerationFailed()    { c.generationsFailed.Add(1) }

func (c *Collector) RecordExtractionJobCompleted() { c.extractionJobsCompleted.Add(1) }
func (c *Collector) RecordExtractionJobFailed()    { c.extractionJobsFailed.Add(1) }

func (c *Collector) RecordQuotaRejection() { c.quotaRejections.Add(1) }

func (c *Collector) RecordAICost(usd float64) {
	c.aiCostMicros.Add(int64(usd * 1e6))
}

// Snapshot returns the current counters without resetting them.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	windowStart := c.windowStart
	c.mu.Unlock()

	started := c.generationsStarted.Load()
	completed := c.generationsCompleted.Load()
	failed := c.generationsFailed.Load()

	extCompleted := c.extractionJobsCompleted.Load()
	extFailed := c.extractionJobsFailed.Load()

	snap := Snapshot{
		GenerationsStarted:      started,
		GenerationsCompleted:    completed,
		GenerationsFailed:       failed,
		ExtractionJobsCompleted: extCompleted,
		ExtractionJobsFailed:    extFailed,
		QuotaRejections:         c.quotaRejections.Load(),
		AICostUSD:               float64(c.aiCostMicros.Load()) / 1e6,
		WindowStart:             windowStart,
		CollectedAt:             time.Now().UTC(),
	}
	if finished := completed + failed; finished > 0 {
		snap.GenerationFailRate = float64(failed) / float64(finished)
	}
	if extFinished := extCompleted + extFailed; extFinished > 0 {
		snap.ExtractionFailRate = float64(extFailed) / float64(extFinished)
	}
	return snap
}

// ResetWindow zeroes all counters and restarts the window, called by the
// Checker after each evaluation so thresholds apply per-interval rather
// than cumulatively since process start.
func (c *Collector) ResetWindow() {
	c.generationsStarted.Store(0)
	c.generationsCompleted.Store(0)
	c.generationsFailed.Store(0)
	c.extractionJobsCompleted.Store(0)
	c.extractionJobsFailed.Store(0)
	c.quotaRejections.Store(0)
	c.aiCostMicros.Store(0)

	c.mu.Lock()
	c.windowStart = time.Now().UTC()
	c.mu.Unlock()
}
