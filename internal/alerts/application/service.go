package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	alerts "equipwatch/internal/alerts/domain"
	"equipwatch/internal/observability/metrics"
)

// DefaultHysteresis is the number of consecutive non-firing evaluations
// required before an open alert resolves.
const DefaultHysteresis = 3

// AlertRepository persists alert occurrences. Insert must be atomic with
// respect to the one-open-alert-per-key invariant: when an open record for
// the same (equipment, rule) already exists, Insert reports false instead
// of creating a duplicate.
type AlertRepository interface {
	Insert(ctx context.Context, alert *alerts.Alert) (bool, error)
	FindOpen(ctx context.Context, equipmentID, ruleID string) (*alerts.Alert, error)
	GetByID(ctx context.Context, id string) (*alerts.Alert, error)
	Touch(ctx context.Context, id string, value float64, seenAt time.Time) error
	MarkAcknowledged(ctx context.Context, id string, at time.Time) error
	MarkResolved(ctx context.Context, id string, at time.Time) error
	ListOpen(ctx context.Context, equipmentID string) ([]alerts.Alert, error)
	ListByEquipment(ctx context.Context, equipmentID, status string, from, to time.Time) ([]alerts.Alert, error)
}

// AlertNotifier publishes alert lifecycle events.
type AlertNotifier interface {
	Notify(ctx context.Context, event AlertEvent)
}

// AlertEvent represents a lifecycle update.
type AlertEvent struct {
	Type  string       `json:"type"`
	Alert alerts.Alert `json:"alert"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// keyState tracks the de-duplication state machine for one
// (equipment, rule) key.
type keyState struct {
	alertID     string
	clearStreak int
}

// Service owns the per-key alert state machine: Idle -> Active on the first
// confirmed firing, Active -> Active with a last-seen bump on repeats, and
// Active -> Resolved after the hysteresis count of consecutive clears.
// Resolved is terminal for the occurrence; a later firing opens a new
// record. Callers must serialize invocations per equipment id (the delivery
// coordinator's lanes do); the internal lock only guards the state map
// against cross-equipment access.
type Service struct {
	repo       AlertRepository
	notifier   AlertNotifier
	clock      Clock
	hysteresis int

	mu       sync.Mutex
	states   map[string]map[string]*keyState
	hydrated map[string]struct{}
}

// ServiceOption customizes the alert service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlertNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHysteresis overrides the consecutive-clear count.
func WithHysteresis(h int) ServiceOption {
	return func(s *Service) {
		if h > 0 {
			s.hysteresis = h
		}
	}
}

// NewService constructs an alert service.
func NewService(repo AlertRepository, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	s := &Service{
		repo:       repo,
		clock:      systemClock{},
		hysteresis: DefaultHysteresis,
		states:     make(map[string]map[string]*keyState),
		hydrated:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleEvaluation applies one evaluation round for an equipment: firings
// open or refresh alerts, and every tracked open key absent from firings
// advances its clear streak.
func (s *Service) HandleEvaluation(ctx context.Context, equipmentID string, at time.Time, firings []alerts.Firing) error {
	if s == nil {
		return errors.New("alerts: nil service")
	}
	if equipmentID == "" {
		return errors.New("alerts: empty equipment id")
	}
	if at.IsZero() {
		at = s.clock.Now().UTC()
	}
	if err := s.hydrate(ctx, equipmentID); err != nil {
		return err
	}

	fired := make(map[string]struct{}, len(firings))
	for _, firing := range firings {
		fired[firing.RuleID] = struct{}{}
		if err := s.handleFiring(ctx, equipmentID, at, firing); err != nil {
			return err
		}
	}

	for _, ruleID := range s.openRuleIDs(equipmentID) {
		if _, ok := fired[ruleID]; ok {
			continue
		}
		if err := s.handleClear(ctx, equipmentID, ruleID, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleFiring(ctx context.Context, equipmentID string, at time.Time, firing alerts.Firing) error {
	state := s.state(equipmentID, firing.RuleID)
	state.clearStreak = 0

	if state.alertID != "" {
		return s.repo.Touch(ctx, state.alertID, firing.Value, at)
	}

	alert := &alerts.Alert{
		ID:           buildAlertID(equipmentID, firing.RuleID, at),
		EquipmentID:  equipmentID,
		RuleID:       firing.RuleID,
		Severity:     firing.Severity,
		Title:        firing.Title,
		Status:       alerts.StatusActive,
		TriggerValue: firing.Value,
		OpenedAt:     at,
		LastSeenAt:   at,
		CreatedAt:    s.clock.Now().UTC(),
		UpdatedAt:    s.clock.Now().UTC(),
	}
	inserted, err := s.repo.Insert(ctx, alert)
	if err != nil {
		return err
	}
	if !inserted {
		// The uniqueness backstop hit: another process opened this key.
		open, err := s.repo.FindOpen(ctx, equipmentID, firing.RuleID)
		if err != nil {
			return err
		}
		if open == nil {
			return errors.New("alerts: insert conflict without open record")
		}
		state.alertID = open.ID
		return s.repo.Touch(ctx, open.ID, firing.Value, at)
	}
	state.alertID = alert.ID
	s.notify(ctx, "active", *alert)
	return nil
}

func (s *Service) handleClear(ctx context.Context, equipmentID, ruleID string, at time.Time) error {
	state := s.state(equipmentID, ruleID)
	if state.alertID == "" {
		s.dropState(equipmentID, ruleID)
		return nil
	}
	state.clearStreak++
	if state.clearStreak < s.hysteresis {
		return nil
	}

	alertID := state.alertID
	if err := s.repo.MarkResolved(ctx, alertID, at); err != nil {
		return err
	}
	s.dropState(equipmentID, ruleID)
	resolved, err := s.repo.GetByID(ctx, alertID)
	if err != nil || resolved == nil {
		resolved = &alerts.Alert{ID: alertID, EquipmentID: equipmentID, RuleID: ruleID, Status: alerts.StatusResolved, ResolvedAt: at}
	}
	s.notify(ctx, "resolved", *resolved)
	return nil
}

// Acknowledge marks an open alert acknowledged. Acknowledged alerts still
// resolve through hysteresis.
func (s *Service) Acknowledge(ctx context.Context, id string) (*alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if id == "" {
		return nil, errors.New("alerts: alert id required")
	}
	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alerts.ErrNotFound
	}
	if !alert.Open() || alert.Status == alerts.StatusAcknowledged {
		return alert, nil
	}
	ackedAt := s.clock.Now().UTC()
	if err := s.repo.MarkAcknowledged(ctx, alert.ID, ackedAt); err != nil {
		return nil, err
	}
	alert.Status = alerts.StatusAcknowledged
	alert.AckedAt = ackedAt
	alert.UpdatedAt = ackedAt
	s.notify(ctx, "acknowledged", *alert)
	return alert, nil
}

// ListByEquipment returns the alert audit trail for an equipment.
func (s *Service) ListByEquipment(ctx context.Context, equipmentID, status string, from, to time.Time) ([]alerts.Alert, error) {
	if s == nil {
		return nil, errors.New("alerts: nil service")
	}
	if equipmentID == "" {
		return nil, errors.New("alerts: equipment id required")
	}
	return s.repo.ListByEquipment(ctx, equipmentID, status, from.UTC(), to.UTC())
}

// hydrate consults the repository once per equipment for open records
// surviving a restart, so both firings and clear streaks apply to them.
func (s *Service) hydrate(ctx context.Context, equipmentID string) error {
	s.mu.Lock()
	_, done := s.hydrated[equipmentID]
	s.mu.Unlock()
	if done {
		return nil
	}

	open, err := s.repo.ListOpen(ctx, equipmentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range open {
		byRule, ok := s.states[equipmentID]
		if !ok {
			byRule = make(map[string]*keyState)
			s.states[equipmentID] = byRule
		}
		if _, tracked := byRule[alert.RuleID]; !tracked {
			byRule[alert.RuleID] = &keyState{alertID: alert.ID}
		}
	}
	s.hydrated[equipmentID] = struct{}{}
	return nil
}

func (s *Service) state(equipmentID, ruleID string) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRule, ok := s.states[equipmentID]
	if !ok {
		byRule = make(map[string]*keyState)
		s.states[equipmentID] = byRule
	}
	state, ok := byRule[ruleID]
	if !ok {
		state = &keyState{}
		byRule[ruleID] = state
	}
	return state
}

func (s *Service) openRuleIDs(equipmentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRule := s.states[equipmentID]
	ids := make([]string, 0, len(byRule))
	for ruleID, state := range byRule {
		if state.alertID != "" {
			ids = append(ids, ruleID)
		}
	}
	return ids
}

func (s *Service) dropState(equipmentID, ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byRule, ok := s.states[equipmentID]; ok {
		delete(byRule, ruleID)
		if len(byRule) == 0 {
			delete(s.states, equipmentID)
		}
	}
}

func (s *Service) notify(ctx context.Context, eventType string, alert alerts.Alert) {
	metrics.IncAlertEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlertEvent{Type: eventType, Alert: alert})
}

func buildAlertID(equipmentID, ruleID string, openedAt time.Time) string {
	sum := sha1.Sum([]byte(equipmentID + "|" + ruleID + "|" + openedAt.Format(time.RFC3339Nano)))
	return "alert-" + hex.EncodeToString(sum[:8])
}
