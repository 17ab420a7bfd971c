package rolling

import (
	"errors"
	"sync"

	telemetry "equipwatch/internal/telemetry/domain"
)

// Store holds the rolling aggregate for every equipment seen so far.
// Updates for the same equipment id must be serialized by the caller (the
// delivery coordinator's lanes guarantee this); the store's own lock only
// protects the equipment map.
type Store struct {
	windowSize     int
	recomputeEvery int

	mu         sync.RWMutex
	aggregates map[string]*Aggregate
}

// StoreOption customizes the store.
type StoreOption func(*Store)

// WithWindowSize overrides the per-equipment window capacity.
func WithWindowSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// WithRecomputeEvery overrides the periodic full-recompute interval.
func WithRecomputeEvery(k int) StoreOption {
	return func(s *Store) {
		if k > 0 {
			s.recomputeEvery = k
		}
	}
}

// NewStore constructs a rolling state store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		windowSize:     DefaultWindowSize,
		recomputeEvery: DefaultRecomputeEvery,
		aggregates:     make(map[string]*Aggregate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update folds a reading into the equipment's window and returns a snapshot
// of the resulting aggregate.
func (s *Store) Update(reading telemetry.Reading) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("rolling store: nil store")
	}
	if err := reading.Validate(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	agg, ok := s.aggregates[reading.EquipmentID]
	if !ok {
		agg = newAggregate(reading.EquipmentID, s.windowSize, s.recomputeEvery)
		s.aggregates[reading.EquipmentID] = agg
	}
	s.mu.Unlock()

	agg.add(reading)
	return agg.snapshot(), nil
}

// Snapshot returns the current aggregate for an equipment id, if any.
func (s *Store) Snapshot(equipmentID string) (Snapshot, bool) {
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.RLock()
	agg, ok := s.aggregates[equipmentID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return agg.snapshot(), true
}

// EquipmentIDs lists equipment with rolling state.
func (s *Store) EquipmentIDs() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.aggregates))
	for id := range s.aggregates {
		ids = append(ids, id)
	}
	return ids
}
