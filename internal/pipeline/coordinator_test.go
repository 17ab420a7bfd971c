package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	alertapp "equipwatch/internal/alerts/application"
	alerts "equipwatch/internal/alerts/domain"
	registry "equipwatch/internal/registry/domain"
	"equipwatch/internal/rolling"
	telemetry "equipwatch/internal/telemetry/domain"
)

type stubRegistry struct {
	mu       sync.Mutex
	profiles map[string]*registry.EquipmentProfile
	failures int
	lookups  int
}

func (s *stubRegistry) Lookup(_ context.Context, equipmentID string) (*registry.EquipmentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: connection refused", registry.ErrUnavailable)
	}
	profile, ok := s.profiles[equipmentID]
	if !ok {
		return nil, registry.ErrUnknownEquipment
	}
	return profile, nil
}

type stubReadingRepo struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	failures int
}

func (s *stubReadingRepo) UpsertReading(_ context.Context, reading telemetry.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.readings = append(s.readings, reading)
	return nil
}

func (s *stubReadingRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

type evaluationRecord struct {
	equipmentID string
	at          time.Time
	firings     []alerts.Firing
}

type stubAlertHandler struct {
	mu      sync.Mutex
	records []evaluationRecord

	// gate, when set before Start, blocks every evaluation until closed.
	gate chan struct{}
}

func (s *stubAlertHandler) HandleEvaluation(_ context.Context, equipmentID string, at time.Time, firings []alerts.Firing) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, evaluationRecord{equipmentID: equipmentID, at: at, firings: firings})
	return nil
}

func (s *stubAlertHandler) all() []evaluationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evaluationRecord, len(s.records))
	copy(out, s.records)
	return out
}

func activeProfile(id string) *registry.EquipmentProfile {
	return &registry.EquipmentProfile{
		ID:     id,
		Name:   id,
		Status: registry.StatusActive,
		Thresholds: registry.Thresholds{
			MaxTemperature: 80,
		},
	}
}

func testEvaluator(t *testing.T) *alertapp.Evaluator {
	t.Helper()
	ev, err := alertapp.NewEvaluator([]alerts.Rule{{
		ID:              "temp-high",
		Name:            "Temperature High",
		Metric:          telemetry.MetricTemperature,
		Comparison:      alerts.ComparisonExceedsMax,
		ThresholdSource: alerts.SourceMaxTemperature,
		Severity:        alerts.SeverityCritical,
	}})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return ev
}

func newTestCoordinator(t *testing.T, reg *stubRegistry, repo *stubReadingRepo, handler *stubAlertHandler, opts ...Option) (*Coordinator, *rolling.Store) {
	t.Helper()
	store := rolling.NewStore()
	base := []Option{WithRetry(3, time.Millisecond), WithDrainTimeout(2 * time.Second)}
	c, err := NewCoordinator(reg, store, testEvaluator(t), handler, repo, log.New(testWriter{t}, "", 0), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c, store
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func sample(id string, offset time.Duration, temp float64) telemetry.Reading {
	return telemetry.Reading{
		EquipmentID: id,
		TS:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(offset),
		Metrics:     map[string]float64{telemetry.MetricTemperature: temp},
	}
}

func TestCoordinatorProcessesEventThroughAllStages(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, store := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Enqueue(sample("pump-1", 0, 85))
	c.Shutdown()

	if repo.count() != 1 {
		t.Fatalf("expected reading persisted, got %d", repo.count())
	}
	if _, ok := store.Snapshot("pump-1"); !ok {
		t.Fatal("expected rolling state for pump-1")
	}
	records := handler.all()
	if len(records) != 1 {
		t.Fatalf("expected one evaluation, got %d", len(records))
	}
	if len(records[0].firings) != 1 || records[0].firings[0].RuleID != "temp-high" {
		t.Fatalf("expected temp-high firing, got %+v", records[0].firings)
	}
}

func TestCoordinatorDropsUnknownEquipment(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, store := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Enqueue(sample("ghost-1", 0, 85))
	c.Shutdown()

	if repo.count() != 0 {
		t.Fatalf("expected no persisted reading for unknown equipment, got %d", repo.count())
	}
	if _, ok := store.Snapshot("ghost-1"); ok {
		t.Fatal("expected no rolling state for unknown equipment")
	}
	if len(handler.all()) != 0 {
		t.Fatal("expected no evaluation for unknown equipment")
	}
}

func TestCoordinatorDropsRetiredEquipment(t *testing.T) {
	profile := activeProfile("old-1")
	profile.Status = registry.StatusRetired
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"old-1": profile}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Enqueue(sample("old-1", 0, 85))
	c.Shutdown()

	if repo.count() != 0 {
		t.Fatalf("expected retired equipment dropped before persistence, got %d", repo.count())
	}
	if len(handler.all()) != 0 {
		t.Fatal("expected no evaluation for retired equipment")
	}
}

func TestCoordinatorMaintenanceRecordsButSkipsRules(t *testing.T) {
	profile := activeProfile("pump-2")
	profile.Status = registry.StatusMaintenance
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-2": profile}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, store := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Enqueue(sample("pump-2", 0, 200))
	c.Shutdown()

	if repo.count() != 1 {
		t.Fatalf("expected maintenance reading persisted, got %d", repo.count())
	}
	if _, ok := store.Snapshot("pump-2"); !ok {
		t.Fatal("expected rolling state for maintenance equipment")
	}
	if len(handler.all()) != 0 {
		t.Fatal("expected no evaluation while under maintenance")
	}
}

func TestCoordinatorRetriesTransientLookup(t *testing.T) {
	reg := &stubRegistry{
		profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")},
		failures: 2,
	}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Enqueue(sample("pump-1", 0, 70))
	c.Shutdown()

	if repo.count() != 1 {
		t.Fatalf("expected reading persisted after retries, got %d", repo.count())
	}
	reg.mu.Lock()
	lookups := reg.lookups
	reg.mu.Unlock()
	if lookups != 3 {
		t.Fatalf("expected 3 lookup attempts, got %d", lookups)
	}
}

func TestCoordinatorFailureIsolatesEvent(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{failures: 10} // more than the retry budget for the first event
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler, WithLaneCount(1))

	c.Start(context.Background())
	c.Enqueue(sample("pump-1", 0, 85))
	c.Shutdown()

	if repo.count() != 0 {
		t.Fatalf("expected first event discarded, got %d persisted", repo.count())
	}
	if len(handler.all()) != 0 {
		t.Fatal("expected no evaluation for the discarded event")
	}

	// The failure consumed 3 of the injected failures; a fresh coordinator
	// over the same stores keeps flowing.
	repo.mu.Lock()
	repo.failures = 0
	repo.mu.Unlock()
	c2, _ := newTestCoordinator(t, reg, repo, handler, WithLaneCount(1))
	c2.Start(context.Background())
	c2.Enqueue(sample("pump-1", time.Second, 70))
	c2.Shutdown()

	if repo.count() != 1 {
		t.Fatalf("expected the next event to flow, got %d", repo.count())
	}
}

func TestCoordinatorPreservesPerEquipmentOrder(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	for i := 0; i < 10; i++ {
		c.Enqueue(sample("pump-1", time.Duration(i)*time.Second, 85))
	}
	c.Shutdown()

	records := handler.all()
	if len(records) != 10 {
		t.Fatalf("expected 10 evaluations, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if !records[i].at.After(records[i-1].at) {
			t.Fatalf("evaluation %d out of order: %s not after %s", i, records[i].at, records[i-1].at)
		}
	}
}

func TestCoordinatorDropsOnLaneOverflow(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{}
	gate := make(chan struct{})
	handler := &stubAlertHandler{gate: gate}
	c, _ := newTestCoordinator(t, reg, repo, handler, WithLaneCount(1), WithQueueSize(1))

	c.Start(context.Background())
	c.Enqueue(sample("pump-1", 0, 85))

	// Persistence happens before the gated alert stage, so a persisted
	// reading means the worker holds the first event.
	deadline := time.Now().Add(2 * time.Second)
	for repo.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the worker to pick up the first event")
		}
		time.Sleep(time.Millisecond)
	}

	// One slot in the queue: the second event fills it, the rest overflow.
	for i := 1; i < 5; i++ {
		c.Enqueue(sample("pump-1", time.Duration(i)*time.Second, 85))
	}
	close(gate)
	c.Shutdown()

	records := handler.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 delivered evaluations, got %d", len(records))
	}
	if !records[1].at.After(records[0].at) {
		t.Fatalf("surviving events out of order: %s not after %s", records[1].at, records[0].at)
	}
	if repo.count() != 2 {
		t.Fatalf("expected 2 persisted readings, got %d", repo.count())
	}
}

func TestCoordinatorEnqueueDuringShutdownDoesNotPanic(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler, WithLaneCount(1))

	c.Start(context.Background())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				c.Enqueue(sample("pump-1", time.Duration(i)*time.Millisecond, 70))
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	c.Shutdown()
	close(stop)
	wg.Wait()
}

func TestCoordinatorRejectsAfterShutdown(t *testing.T) {
	reg := &stubRegistry{profiles: map[string]*registry.EquipmentProfile{"pump-1": activeProfile("pump-1")}}
	repo := &stubReadingRepo{}
	handler := &stubAlertHandler{}
	c, _ := newTestCoordinator(t, reg, repo, handler)

	c.Start(context.Background())
	c.Shutdown()
	c.Enqueue(sample("pump-1", 0, 85))

	if repo.count() != 0 {
		t.Fatalf("expected no processing after shutdown, got %d", repo.count())
	}
}

func TestCoordinatorValidatesDependencies(t *testing.T) {
	if _, err := NewCoordinator(nil, rolling.NewStore(), testEvaluator(t), &stubAlertHandler{}, &stubReadingRepo{}, nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewCoordinator(&stubRegistry{}, nil, testEvaluator(t), &stubAlertHandler{}, &stubReadingRepo{}, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewCoordinator(&stubRegistry{}, rolling.NewStore(), nil, &stubAlertHandler{}, &stubReadingRepo{}, nil); err == nil {
		t.Fatal("expected error for nil evaluator")
	}
}
