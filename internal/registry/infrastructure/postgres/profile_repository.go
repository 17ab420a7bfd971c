package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	registry "equipwatch/internal/registry/domain"
)

// ProfileRepository is the Postgres-backed equipment system of record.
type ProfileRepository struct {
	db *sql.DB
}

// NewProfileRepository constructs a repository.
func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetProfile loads one equipment profile. Unknown ids return
// ErrUnknownEquipment; the registry never creates profiles implicitly.
func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*registry.EquipmentProfile, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("profile repo: nil db")
	}
	if id == "" {
		return nil, errors.New("profile repo: empty id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, status, max_temperature, max_vibration, max_pressure, min_pressure, updated_at
FROM equipment_profiles
WHERE id = $1`, id)

	var profile registry.EquipmentProfile
	var name sql.NullString
	if err := row.Scan(
		&profile.ID,
		&name,
		&profile.Status,
		&profile.Thresholds.MaxTemperature,
		&profile.Thresholds.MaxVibration,
		&profile.Thresholds.MaxPressure,
		&profile.Thresholds.MinPressure,
		&profile.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrUnknownEquipment
		}
		return nil, err
	}
	if name.Valid {
		profile.Name = name.String
	}
	profile.UpdatedAt = profile.UpdatedAt.UTC()
	return &profile, nil
}

// Upsert writes a profile. Used by provisioning tooling and tests; the
// pipeline itself never mutates profiles.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *registry.EquipmentProfile) error {
	if r == nil || r.db == nil {
		return errors.New("profile repo: nil db")
	}
	if profile == nil {
		return errors.New("profile repo: nil profile")
	}
	if err := profile.Validate(); err != nil {
		return err
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO equipment_profiles (
	id, name, status, max_temperature, max_vibration, max_pressure, min_pressure, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	status = EXCLUDED.status,
	max_temperature = EXCLUDED.max_temperature,
	max_vibration = EXCLUDED.max_vibration,
	max_pressure = EXCLUDED.max_pressure,
	min_pressure = EXCLUDED.min_pressure,
	updated_at = EXCLUDED.updated_at`,
		profile.ID,
		profile.Name,
		profile.Status,
		profile.Thresholds.MaxTemperature,
		profile.Thresholds.MaxVibration,
		profile.Thresholds.MaxPressure,
		profile.Thresholds.MinPressure,
		profile.UpdatedAt,
	)
	return err
}
