package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

// ReadingRepository persists canonical readings in Postgres. The metric
// map is stored as jsonb so sparse metric sets round-trip without schema
// churn.
type ReadingRepository struct {
	db *sql.DB
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// UpsertReading writes a reading, replacing the metric map on conflict of
// (equipment_id, ts). Coalesced re-delivery of the same reading is
// therefore idempotent.
func (r *ReadingRepository) UpsertReading(ctx context.Context, reading telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(reading.Metrics)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO readings (equipment_id, ts, metrics)
VALUES ($1, $2, $3)
ON CONFLICT (equipment_id, ts)
DO UPDATE SET metrics = readings.metrics || EXCLUDED.metrics`,
		reading.EquipmentID, reading.TS.UTC(), payload)
	return err
}

// ListByEquipment reads back stored readings in ascending time order.
func (r *ReadingRepository) ListByEquipment(ctx context.Context, equipmentID string, from, to time.Time) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if equipmentID == "" {
		return nil, errors.New("reading repo: empty equipment id")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT equipment_id, ts, metrics
FROM readings
WHERE equipment_id = $1 AND ts >= $2 AND ts < $3
ORDER BY ts ASC`, equipmentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []telemetry.Reading
	for rows.Next() {
		var reading telemetry.Reading
		var payload []byte
		if err := rows.Scan(&reading.EquipmentID, &reading.TS, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &reading.Metrics); err != nil {
			return nil, err
		}
		reading.TS = reading.TS.UTC()
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}
