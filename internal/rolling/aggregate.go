package rolling

import (
	"sync"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

const (
	// DefaultWindowSize is the number of readings retained per equipment.
	DefaultWindowSize = 10
	// DefaultRecomputeEvery bounds accumulated float drift: every K updates
	// the per-metric sums are rebuilt from the buffer.
	DefaultRecomputeEvery = 256
)

// MetricAggregate holds incrementally maintained statistics for one metric
// over the readings currently in the window.
type MetricAggregate struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
	Trend int     `json:"trend"`

	sum float64
}

// Snapshot is an immutable copy of an equipment's rolling state, safe to
// hand across goroutines.
type Snapshot struct {
	EquipmentID string                     `json:"equipment_id"`
	WindowSize  int                        `json:"window_size"`
	Buffered    int                        `json:"buffered"`
	LastTS      time.Time                  `json:"last_ts"`
	Metrics     map[string]MetricAggregate `json:"metrics"`
}

// LastValue returns the most recent value seen for a metric, if any.
func (s Snapshot) LastValue(metric string) (float64, bool) {
	agg, ok := s.Metrics[metric]
	if !ok || agg.Count == 0 {
		return 0, false
	}
	return agg.Last, true
}

// Aggregate is the bounded per-equipment window plus derived statistics.
// It is mutated only by the rolling store under per-equipment serialization.
type Aggregate struct {
	equipmentID string
	capacity    int
	recomputeAt int

	// Guards the buffer and metric maps against concurrent snapshots from
	// the read path; writes remain single-lane per equipment.
	mu sync.Mutex

	buffer  []telemetry.Reading
	head    int
	size    int
	updates int
	lastTS  time.Time
	metrics map[string]*MetricAggregate
}

func newAggregate(equipmentID string, capacity, recomputeEvery int) *Aggregate {
	return &Aggregate{
		equipmentID: equipmentID,
		capacity:    capacity,
		recomputeAt: recomputeEvery,
		buffer:      make([]telemetry.Reading, capacity),
		metrics:     make(map[string]*MetricAggregate),
	}
}

// add folds a reading into the window, evicting the oldest reading when the
// window is full. Statistics are maintained incrementally except when the
// evicted reading carried a metric's max, which forces a rescan of that
// metric, and every recomputeAt updates, which rebuilds everything.
func (a *Aggregate) add(reading telemetry.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size == a.capacity {
		a.evictOldest()
	}
	tail := (a.head + a.size) % a.capacity
	a.buffer[tail] = reading
	a.size++

	for name, value := range reading.Metrics {
		agg := a.metrics[name]
		if agg == nil {
			agg = &MetricAggregate{}
			a.metrics[name] = agg
		}
		agg.sum += value
		agg.Count++
		if agg.Count == 1 || value > agg.Max {
			agg.Max = value
		}
		agg.Last = value
	}
	if reading.TS.After(a.lastTS) {
		a.lastTS = reading.TS
	}

	a.updates++
	if a.recomputeAt > 0 && a.updates%a.recomputeAt == 0 {
		a.recomputeAll()
	}
	a.refreshDerived()
}

func (a *Aggregate) evictOldest() {
	evicted := a.buffer[a.head]
	a.buffer[a.head] = telemetry.Reading{}
	a.head = (a.head + 1) % a.capacity
	a.size--

	rescan := false
	for name, value := range evicted.Metrics {
		agg := a.metrics[name]
		if agg == nil {
			continue
		}
		agg.sum -= value
		agg.Count--
		if agg.Count == 0 {
			delete(a.metrics, name)
			continue
		}
		// Evicting the boundary value invalidates the incremental max.
		if value >= agg.Max {
			rescan = true
		}
	}
	if rescan {
		a.recomputeAll()
	}
}

func (a *Aggregate) refreshDerived() {
	for _, agg := range a.metrics {
		if agg.Count > 0 {
			agg.Mean = agg.sum / float64(agg.Count)
		} else {
			agg.Mean = 0
		}
		switch {
		case agg.Count == 0 || agg.Last == agg.Mean:
			agg.Trend = 0
		case agg.Last > agg.Mean:
			agg.Trend = 1
		default:
			agg.Trend = -1
		}
	}
}

// recomputeAll rebuilds every metric aggregate from the buffered readings.
func (a *Aggregate) recomputeAll() {
	for _, agg := range a.metrics {
		agg.sum = 0
		agg.Count = 0
		agg.Max = 0
	}
	for i := 0; i < a.size; i++ {
		reading := a.buffer[(a.head+i)%a.capacity]
		for name, value := range reading.Metrics {
			agg := a.metrics[name]
			if agg == nil {
				agg = &MetricAggregate{}
				a.metrics[name] = agg
			}
			agg.sum += value
			agg.Count++
			if agg.Count == 1 || value > agg.Max {
				agg.Max = value
			}
			agg.Last = value
		}
	}
	for name, agg := range a.metrics {
		if agg.Count == 0 {
			delete(a.metrics, name)
		}
	}
}

// snapshot copies the aggregate state.
func (a *Aggregate) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		EquipmentID: a.equipmentID,
		WindowSize:  a.capacity,
		Buffered:    a.size,
		LastTS:      a.lastTS,
		Metrics:     make(map[string]MetricAggregate, len(a.metrics)),
	}
	for name, agg := range a.metrics {
		snap.Metrics[name] = *agg
	}
	return snap
}
