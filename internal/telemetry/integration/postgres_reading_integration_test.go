package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
	telemetrypostgres "equipwatch/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestReadingUpsertMerge_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "readings") {
		t.Skip("readings missing; run migrations")
	}

	ctx := context.Background()
	equipmentID := "pump-it"
	ts := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	_, _ = db.ExecContext(ctx, "DELETE FROM readings WHERE equipment_id = $1", equipmentID)

	repo := telemetrypostgres.NewReadingRepository(db)

	first := telemetry.Reading{
		EquipmentID: equipmentID,
		TS:          ts,
		Metrics: map[string]float64{
			telemetry.MetricTemperature: 70,
			telemetry.MetricPressure:    20,
		},
	}
	if err := repo.UpsertReading(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same (equipment, ts): new keys join the map, repeated keys take the
	// later value.
	second := telemetry.Reading{
		EquipmentID: equipmentID,
		TS:          ts,
		Metrics: map[string]float64{
			telemetry.MetricPressure:  30,
			telemetry.MetricVibration: 2.5,
		},
	}
	if err := repo.UpsertReading(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	readings, err := repo.ListByEquipment(ctx, equipmentID, ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("expected one merged row, got %d", len(readings))
	}
	got := readings[0]
	if !got.TS.Equal(ts) {
		t.Fatalf("ts mismatch: got=%s want=%s", got.TS, ts)
	}
	if got.Metrics[telemetry.MetricTemperature] != 70 {
		t.Fatalf("temperature mismatch: got=%v want=70", got.Metrics[telemetry.MetricTemperature])
	}
	if got.Metrics[telemetry.MetricPressure] != 30 {
		t.Fatalf("pressure mismatch: got=%v want=30", got.Metrics[telemetry.MetricPressure])
	}
	if got.Metrics[telemetry.MetricVibration] != 2.5 {
		t.Fatalf("vibration mismatch: got=%v want=2.5", got.Metrics[telemetry.MetricVibration])
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
