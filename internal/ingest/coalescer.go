package ingest

import (
	"sync"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

// DefaultCoalescingWindow bounds how long a reading waits for sibling
// metrics before being emitted downstream.
const DefaultCoalescingWindow = 5 * time.Second

type pendingReading struct {
	reading telemetry.Reading
	timer   *time.Timer
}

// Coalescer merges successive readings for the same equipment on different
// metrics into a single reading within a bounded window. A reading that
// repeats a metric already pending flushes the pending reading first; the
// merge is a local bounded wait, never a read-modify-write against storage.
type Coalescer struct {
	window time.Duration
	emit   func(telemetry.Reading)

	mu      sync.Mutex
	pending map[string]*pendingReading
}

// NewCoalescer constructs a coalescer that calls emit with each merged
// reading once its window expires.
func NewCoalescer(window time.Duration, emit func(telemetry.Reading)) *Coalescer {
	if window <= 0 {
		window = DefaultCoalescingWindow
	}
	return &Coalescer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingReading),
	}
}

// Add folds a reading into the pending state for its equipment.
func (c *Coalescer) Add(reading telemetry.Reading) {
	if c == nil || c.emit == nil {
		return
	}

	var flush *telemetry.Reading
	c.mu.Lock()
	current, ok := c.pending[reading.EquipmentID]
	switch {
	case !ok:
		c.startPendingLocked(reading)
	case overlaps(current.reading, reading):
		// Same metric again: the pending reading is complete.
		current.timer.Stop()
		merged := current.reading
		flush = &merged
		delete(c.pending, reading.EquipmentID)
		c.startPendingLocked(reading)
	default:
		current.reading = current.reading.Merge(reading)
	}
	c.mu.Unlock()

	if flush != nil {
		c.emit(*flush)
	}
}

// Flush emits every pending reading immediately. Used on shutdown.
func (c *Coalescer) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	flushed := make([]telemetry.Reading, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		flushed = append(flushed, p.reading)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, reading := range flushed {
		c.emit(reading)
	}
}

func (c *Coalescer) startPendingLocked(reading telemetry.Reading) {
	p := &pendingReading{reading: reading}
	p.timer = time.AfterFunc(c.window, func() {
		c.expire(reading.EquipmentID, p)
	})
	c.pending[reading.EquipmentID] = p
}

func (c *Coalescer) expire(equipmentID string, expected *pendingReading) {
	c.mu.Lock()
	current, ok := c.pending[equipmentID]
	if !ok || current != expected {
		c.mu.Unlock()
		return
	}
	delete(c.pending, equipmentID)
	reading := current.reading
	c.mu.Unlock()

	c.emit(reading)
}

func overlaps(a, b telemetry.Reading) bool {
	for name := range b.Metrics {
		if _, ok := a.Metrics[name]; ok {
			return true
		}
	}
	return false
}
