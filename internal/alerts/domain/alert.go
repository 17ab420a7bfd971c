package alerts

import (
	"errors"
	"time"
)

// Alert lifecycle statuses.
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// ErrNotFound indicates a missing alert record.
var ErrNotFound = errors.New("alerts: not found")

// Alert is one occurrence of a rule firing for an equipment. At most one
// record per (equipment id, rule id) may be open (active or acknowledged)
// at a time; resolved records are kept forever as the audit trail.
type Alert struct {
	ID           string    `json:"id"`
	EquipmentID  string    `json:"equipment_id"`
	RuleID       string    `json:"rule_id"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	TriggerValue float64   `json:"trigger_value"`
	OpenedAt     time.Time `json:"opened_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	AckedAt      time.Time `json:"acked_at,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Open reports whether the alert occurrence is still open.
func (a Alert) Open() bool {
	return a.Status == StatusActive || a.Status == StatusAcknowledged
}
