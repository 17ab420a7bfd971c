package application

import (
	"context"
	"sync"
	"testing"
	"time"

	alerts "equipwatch/internal/alerts/domain"
	registry "equipwatch/internal/registry/domain"
	"equipwatch/internal/rolling"
	telemetry "equipwatch/internal/telemetry/domain"
)

type memoryAlertRepo struct {
	mu      sync.Mutex
	records map[string]*alerts.Alert
	inserts int
	touches int

	// forceConflict makes the next Insert report a conflict without
	// writing, as the storage uniqueness backstop would. hideOpenOnce
	// makes the next ListOpen miss, simulating a concurrent writer
	// landing a row between hydration and the insert.
	forceConflict bool
	hideOpenOnce  bool
}

func newMemoryAlertRepo() *memoryAlertRepo {
	return &memoryAlertRepo{records: make(map[string]*alerts.Alert)}
}

func (r *memoryAlertRepo) Insert(_ context.Context, alert *alerts.Alert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceConflict {
		r.forceConflict = false
		return false, nil
	}
	for _, existing := range r.records {
		if existing.EquipmentID == alert.EquipmentID && existing.RuleID == alert.RuleID && existing.Open() {
			return false, nil
		}
	}
	clone := *alert
	r.records[alert.ID] = &clone
	r.inserts++
	return true, nil
}

func (r *memoryAlertRepo) FindOpen(_ context.Context, equipmentID, ruleID string) (*alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.EquipmentID == equipmentID && existing.RuleID == ruleID && existing.Open() {
			clone := *existing
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *memoryAlertRepo) ListOpen(_ context.Context, equipmentID string) ([]alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hideOpenOnce {
		r.hideOpenOnce = false
		return nil, nil
	}
	var out []alerts.Alert
	for _, existing := range r.records {
		if existing.EquipmentID == equipmentID && existing.Open() {
			out = append(out, *existing)
		}
	}
	return out, nil
}

func (r *memoryAlertRepo) GetByID(_ context.Context, id string) (*alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	clone := *existing
	return &clone, nil
}

func (r *memoryAlertRepo) Touch(_ context.Context, id string, value float64, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[id]; ok {
		existing.TriggerValue = value
		existing.LastSeenAt = seenAt
		existing.UpdatedAt = seenAt
	}
	r.touches++
	return nil
}

func (r *memoryAlertRepo) MarkAcknowledged(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[id]; ok && existing.Status == alerts.StatusActive {
		existing.Status = alerts.StatusAcknowledged
		existing.AckedAt = at
		existing.UpdatedAt = at
	}
	return nil
}

func (r *memoryAlertRepo) MarkResolved(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[id]; ok && existing.Open() {
		existing.Status = alerts.StatusResolved
		existing.ResolvedAt = at
		existing.UpdatedAt = at
	}
	return nil
}

func (r *memoryAlertRepo) ListByEquipment(_ context.Context, equipmentID, status string, _, _ time.Time) ([]alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, existing := range r.records {
		if existing.EquipmentID != equipmentID {
			continue
		}
		if status != "" && existing.Status != status {
			continue
		}
		out = append(out, *existing)
	}
	return out, nil
}

func (r *memoryAlertRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memoryAlertRepo) single(t *testing.T) alerts.Alert {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) != 1 {
		t.Fatalf("expected exactly one alert record, got %d", len(r.records))
	}
	for _, existing := range r.records {
		return *existing
	}
	return alerts.Alert{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event AlertEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func tempRule() alerts.Rule {
	return alerts.Rule{
		ID:              "temp-high",
		Name:            "Temperature High",
		Metric:          telemetry.MetricTemperature,
		Comparison:      alerts.ComparisonExceedsMax,
		ThresholdSource: alerts.SourceMaxTemperature,
		Severity:        alerts.SeverityCritical,
	}
}

func firingFor(rule alerts.Rule, value float64) alerts.Firing {
	return alerts.Firing{
		RuleID:    rule.ID,
		Metric:    rule.Metric,
		Severity:  rule.Severity,
		Value:     value,
		Threshold: 80,
		Title:     rule.Name,
	}
}

func TestServiceOpensOnceThenResolvesAfterHysteresis(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier), WithHysteresis(3))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	rule := tempRule()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Threshold 80: three breaches, then three clears.
	stream := []float64{82, 83, 81, 79, 78, 77}
	for i, value := range stream {
		var firings []alerts.Firing
		if value > 80 {
			firings = append(firings, firingFor(rule, value))
		}
		if err := service.HandleEvaluation(ctx, "pump-1", base.Add(time.Duration(i)*time.Minute), firings); err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
	}

	record := repo.single(t)
	if record.Status != alerts.StatusResolved {
		t.Fatalf("expected resolved alert, got %s", record.Status)
	}
	if record.TriggerValue != 81 {
		t.Fatalf("expected last seen trigger value 81, got %f", record.TriggerValue)
	}
	if !record.LastSeenAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last seen %s", record.LastSeenAt)
	}
	if !record.ResolvedAt.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("unexpected resolved at %s", record.ResolvedAt)
	}

	got := notifier.types()
	if len(got) != 2 || got[0] != "active" || got[1] != "resolved" {
		t.Fatalf("expected [active resolved] events, got %v", got)
	}
}

func TestServiceRefireResetsClearStreak(t *testing.T) {
	repo := newMemoryAlertRepo()
	service, err := NewService(repo, WithHysteresis(3))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	rule := tempRule()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// fire, clear, clear, fire, clear, clear: never 3 consecutive clears.
	pattern := []bool{true, false, false, true, false, false}
	for i, fires := range pattern {
		var firings []alerts.Firing
		if fires {
			firings = append(firings, firingFor(rule, 85))
		}
		if err := service.HandleEvaluation(ctx, "pump-1", base.Add(time.Duration(i)*time.Minute), firings); err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
	}

	record := repo.single(t)
	if !record.Open() {
		t.Fatalf("expected alert to stay open, got %s", record.Status)
	}

	// Three consecutive clears finally resolve it.
	for i := 0; i < 3; i++ {
		if err := service.HandleEvaluation(ctx, "pump-1", base.Add(time.Duration(6+i)*time.Minute), nil); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	record = repo.single(t)
	if record.Status != alerts.StatusResolved {
		t.Fatalf("expected resolved after full streak, got %s", record.Status)
	}
}

func TestServiceDeduplicatesRepeatedFirings(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	rule := tempRule()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := service.HandleEvaluation(ctx, "pump-1", base.Add(time.Duration(i)*time.Minute), []alerts.Firing{firingFor(rule, 82+float64(i))}); err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
	}

	if repo.count() != 1 {
		t.Fatalf("expected one alert record for repeated firings, got %d", repo.count())
	}
	if got := notifier.types(); len(got) != 1 || got[0] != "active" {
		t.Fatalf("expected a single active event, got %v", got)
	}
	record := repo.single(t)
	if record.TriggerValue != 86 {
		t.Fatalf("expected trigger value refreshed to 86, got %f", record.TriggerValue)
	}
}

func TestServiceAdoptsOpenAlertAfterRestart(t *testing.T) {
	repo := newMemoryAlertRepo()
	existing := &alerts.Alert{
		ID:          "alert-prior",
		EquipmentID: "pump-1",
		RuleID:      "temp-high",
		Severity:    alerts.SeverityCritical,
		Status:      alerts.StatusActive,
		OpenedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if inserted, err := repo.Insert(context.Background(), existing); err != nil || !inserted {
		t.Fatalf("seed insert: inserted=%v err=%v", inserted, err)
	}

	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier), WithHysteresis(3))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := service.HandleEvaluation(ctx, "pump-1", at, []alerts.Firing{firingFor(tempRule(), 90)}); err != nil {
		t.Fatalf("evaluation: %v", err)
	}

	if repo.count() != 1 {
		t.Fatalf("expected the prior record to be adopted, got %d records", repo.count())
	}
	if got := notifier.types(); len(got) != 0 {
		t.Fatalf("expected no new active event for an adopted alert, got %v", got)
	}

	// Clearing resolves the adopted record.
	for i := 0; i < 3; i++ {
		if err := service.HandleEvaluation(ctx, "pump-1", at.Add(time.Duration(i+1)*time.Minute), nil); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	record := repo.single(t)
	if record.ID != "alert-prior" || record.Status != alerts.StatusResolved {
		t.Fatalf("expected prior alert resolved, got %+v", record)
	}
}

func TestServiceResolvesInheritedOpenAlertOnClears(t *testing.T) {
	repo := newMemoryAlertRepo()
	existing := &alerts.Alert{
		ID:          "alert-stale",
		EquipmentID: "pump-1",
		RuleID:      "temp-high",
		Severity:    alerts.SeverityCritical,
		Status:      alerts.StatusActive,
		OpenedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if inserted, err := repo.Insert(context.Background(), existing); err != nil || !inserted {
		t.Fatalf("seed insert: inserted=%v err=%v", inserted, err)
	}

	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier), WithHysteresis(3))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// The rule never fires again after the restart; the inherited record
	// must still resolve once the clear streak completes.
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := service.HandleEvaluation(ctx, "pump-1", base.Add(time.Duration(i)*time.Minute), nil); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}

	record := repo.single(t)
	if record.ID != "alert-stale" || record.Status != alerts.StatusResolved {
		t.Fatalf("expected inherited alert resolved, got %+v", record)
	}
	if !record.ResolvedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected resolved at %s", record.ResolvedAt)
	}
	if got := notifier.types(); len(got) != 1 || got[0] != "resolved" {
		t.Fatalf("expected a single resolved event, got %v", got)
	}
}

func TestServiceInsertConflictAdoptsConcurrentOpen(t *testing.T) {
	repo := newMemoryAlertRepo()
	concurrent := &alerts.Alert{
		ID:          "alert-other",
		EquipmentID: "pump-1",
		RuleID:      "temp-high",
		Status:      alerts.StatusActive,
		OpenedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// Hydration sees nothing, then another writer lands the row before our
	// insert: the backstop reports a conflict and we adopt the winner.
	ctx := context.Background()
	repo.mu.Lock()
	repo.hideOpenOnce = true
	repo.forceConflict = true
	repo.records[concurrent.ID] = concurrent
	repo.mu.Unlock()

	if err := service.HandleEvaluation(ctx, "pump-1", time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), []alerts.Firing{firingFor(tempRule(), 91)}); err != nil {
		t.Fatalf("evaluation: %v", err)
	}

	if got := notifier.types(); len(got) != 0 {
		t.Fatalf("expected no event for the losing insert, got %v", got)
	}
	record := repo.single(t)
	if record.ID != "alert-other" {
		t.Fatalf("expected concurrent alert adopted, got %s", record.ID)
	}
	if record.TriggerValue != 91 {
		t.Fatalf("expected adopted alert touched with value 91, got %f", record.TriggerValue)
	}
}

func TestServiceAcknowledge(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}
	service, err := NewService(repo, WithNotifier(notifier), WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	if err := service.HandleEvaluation(ctx, "pump-1", clock.Now(), []alerts.Firing{firingFor(tempRule(), 85)}); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	opened := repo.single(t)

	acked, err := service.Acknowledge(ctx, opened.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != alerts.StatusAcknowledged {
		t.Fatalf("expected acknowledged status, got %s", acked.Status)
	}
	if acked.AckedAt.IsZero() {
		t.Fatal("expected acked timestamp")
	}

	// Acknowledging again is a no-op.
	again, err := service.Acknowledge(ctx, opened.ID)
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if again.Status != alerts.StatusAcknowledged {
		t.Fatalf("expected acknowledged status, got %s", again.Status)
	}

	if got := notifier.types(); len(got) != 2 || got[1] != "acknowledged" {
		t.Fatalf("expected [active acknowledged] events, got %v", got)
	}

	// Acknowledged alerts still resolve through hysteresis.
	for i := 0; i < DefaultHysteresis; i++ {
		if err := service.HandleEvaluation(ctx, "pump-1", clock.Now().Add(time.Duration(i+1)*time.Minute), nil); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	record := repo.single(t)
	if record.Status != alerts.StatusResolved {
		t.Fatalf("expected acknowledged alert to resolve, got %s", record.Status)
	}
}

func TestServiceAcknowledgeUnknownID(t *testing.T) {
	service, err := NewService(newMemoryAlertRepo())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := service.Acknowledge(context.Background(), "missing"); err != alerts.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServicePressureBelowMinOpensSingleWarning(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{}
	service, err := NewService(repo, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rule := alerts.Rule{
		ID:              "pressure-band",
		Name:            "Pressure Out Of Band",
		Metric:          telemetry.MetricPressure,
		Comparison:      alerts.ComparisonOutOfBand,
		ThresholdSource: alerts.SourcePressureBand,
		Severity:        alerts.SeverityWarning,
	}
	evaluator, err := NewEvaluator([]alerts.Rule{rule})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	profile := registry.EquipmentProfile{
		ID:         "press-1",
		Status:     registry.StatusActive,
		Thresholds: registry.Thresholds{MaxPressure: 100, MinPressure: 10},
	}
	reading := telemetry.Reading{
		EquipmentID: "press-1",
		TS:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Metrics:     map[string]float64{telemetry.MetricPressure: 5},
	}

	firings := evaluator.Evaluate(reading, rolling.Snapshot{}, profile)
	if len(firings) != 1 || firings[0].Severity != alerts.SeverityWarning {
		t.Fatalf("expected one warning firing, got %+v", firings)
	}
	if err := service.HandleEvaluation(context.Background(), "press-1", reading.TS, firings); err != nil {
		t.Fatalf("evaluation: %v", err)
	}

	record := repo.single(t)
	if record.Severity != alerts.SeverityWarning || record.Status != alerts.StatusActive {
		t.Fatalf("unexpected alert %+v", record)
	}
	if record.TriggerValue != 5 {
		t.Fatalf("expected trigger value 5, got %f", record.TriggerValue)
	}
}
