package registry

import (
	"context"
	"errors"
	"time"
)

// Equipment lifecycle statuses.
const (
	StatusActive      = "active"
	StatusInactive    = "inactive"
	StatusMaintenance = "maintenance"
	StatusRetired     = "retired"
)

// ErrUnknownEquipment indicates a reading referenced an equipment id the
// system of record does not know. The registry fails closed: no profile is
// created implicitly.
var ErrUnknownEquipment = errors.New("registry: unknown equipment")

// ErrUnavailable indicates the backing profile source could not be reached.
var ErrUnavailable = errors.New("registry: source unavailable")

// Thresholds is the mutable per-equipment threshold set rules resolve
// against.
type Thresholds struct {
	MaxTemperature float64 `json:"max_temperature"`
	MaxVibration   float64 `json:"max_vibration"`
	MaxPressure    float64 `json:"max_pressure"`
	MinPressure    float64 `json:"min_pressure"`
}

// EquipmentProfile is the registry's view of one equipment. Profiles are
// referenced by id everywhere else and treated as immutable snapshots once
// handed out; the cache replaces whole entries on invalidation.
type EquipmentProfile struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Thresholds Thresholds `json:"thresholds"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks profile invariants.
func (p EquipmentProfile) Validate() error {
	if p.ID == "" {
		return errors.New("equipment profile: empty id")
	}
	switch p.Status {
	case StatusActive, StatusInactive, StatusMaintenance, StatusRetired:
	default:
		return errors.New("equipment profile: invalid status")
	}
	return nil
}

// Evaluable reports whether readings for this equipment should be run
// through alert rules. Maintenance and inactive equipment still record
// readings but would flap every rule if evaluated.
func (p EquipmentProfile) Evaluable() bool {
	return p.Status == StatusActive
}

// ProfileSource is the external system of record for equipment metadata.
type ProfileSource interface {
	GetProfile(ctx context.Context, id string) (*EquipmentProfile, error)
}
