package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "equipwatch/internal/alerts/domain"
)

const alertColumns = `id, equipment_id, rule_id, severity, title, status, trigger_value,
	opened_at, last_seen_at, acked_at, resolved_at, created_at, updated_at`

// AlertRepository is a Postgres repository for alert occurrences. A partial
// unique index on (equipment_id, rule_id) WHERE status = 'active' backs the
// one-active-alert-per-key invariant for multi-process deployments; the
// per-equipment lanes handle the common single-process case.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert creates a new alert occurrence. Returns false without error when
// the uniqueness backstop rejects a duplicate active record.
func (r *AlertRepository) Insert(ctx context.Context, alert *alerts.Alert) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	if alert == nil {
		return false, errors.New("alert repo: nil alert")
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (
	id, equipment_id, rule_id, severity, title, status, trigger_value,
	opened_at, last_seen_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11
)
ON CONFLICT (equipment_id, rule_id) WHERE status = 'active'
DO NOTHING`,
		alert.ID, alert.EquipmentID, alert.RuleID, alert.Severity, alert.Title,
		alert.Status, alert.TriggerValue, alert.OpenedAt.UTC(), alert.LastSeenAt.UTC(),
		alert.CreatedAt.UTC(), alert.UpdatedAt.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FindOpen returns the active or acknowledged alert for a key, if any.
func (r *AlertRepository) FindOpen(ctx context.Context, equipmentID, ruleID string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE equipment_id = $1 AND rule_id = $2 AND status IN ('active', 'acknowledged')
ORDER BY opened_at DESC
LIMIT 1`, equipmentID, ruleID)
	return scanAlert(row)
}

// ListOpen returns every active or acknowledged alert for an equipment.
// The alert service hydrates its state machine from this on the first
// evaluation after a restart.
func (r *AlertRepository) ListOpen(ctx context.Context, equipmentID string) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE equipment_id = $1 AND status IN ('active', 'acknowledged')
ORDER BY opened_at ASC`, equipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	return result, rows.Err()
}

// GetByID loads one alert.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE id = $1`, id)
	return scanAlert(row)
}

// Touch bumps last-seen on a repeated firing.
func (r *AlertRepository) Touch(ctx context.Context, id string, value float64, seenAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET last_seen_at = $2, trigger_value = $3, updated_at = $2
WHERE id = $1`, id, seenAt.UTC(), value)
	return err
}

// MarkAcknowledged transitions an open alert to acknowledged.
func (r *AlertRepository) MarkAcknowledged(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET status = 'acknowledged', acked_at = $2, updated_at = $2
WHERE id = $1 AND status = 'active'`, id, at.UTC())
	return err
}

// MarkResolved transitions an open alert to resolved. Resolved records are
// never deleted; they are the audit trail.
func (r *AlertRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET status = 'resolved', resolved_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('active', 'acknowledged')`, id, at.UTC())
	return err
}

// ListByEquipment returns alerts for an equipment, optionally filtered by
// status, newest first.
func (r *AlertRepository) ListByEquipment(ctx context.Context, equipmentID, status string, from, to time.Time) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := `
SELECT ` + alertColumns + `
FROM alerts
WHERE equipment_id = $1 AND opened_at >= $2 AND opened_at < $3`
	args := []any{equipmentID, from.UTC(), to.UTC()}
	if status != "" {
		query += ` AND status = $4`
		args = append(args, status)
	}
	query += `
ORDER BY opened_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row *sql.Row) (*alerts.Alert, error) {
	alert, err := scanAlertRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return alert, nil
}

func scanAlertRow(scanner rowScanner) (*alerts.Alert, error) {
	var alert alerts.Alert
	var ackedAt, resolvedAt sql.NullTime
	if err := scanner.Scan(
		&alert.ID,
		&alert.EquipmentID,
		&alert.RuleID,
		&alert.Severity,
		&alert.Title,
		&alert.Status,
		&alert.TriggerValue,
		&alert.OpenedAt,
		&alert.LastSeenAt,
		&ackedAt,
		&resolvedAt,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alert.OpenedAt = alert.OpenedAt.UTC()
	alert.LastSeenAt = alert.LastSeenAt.UTC()
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	if ackedAt.Valid {
		alert.AckedAt = ackedAt.Time.UTC()
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = resolvedAt.Time.UTC()
	}
	return &alert, nil
}
