package telemetry

import (
	"context"
	"errors"
	"time"
)

// Supported metric types, matching the sensor topic segment.
const (
	MetricTemperature = "temperature"
	MetricVibration   = "vibration"
	MetricPressure    = "pressure"
	MetricHumidity    = "humidity"
	MetricElectrical  = "electrical"
	MetricPerformance = "performance"
)

var supportedMetrics = map[string]struct{}{
	MetricTemperature: {},
	MetricVibration:   {},
	MetricPressure:    {},
	MetricHumidity:    {},
	MetricElectrical:  {},
	MetricPerformance: {},
}

// SupportedMetric reports whether a metric type is recognised.
func SupportedMetric(name string) bool {
	_, ok := supportedMetrics[name]
	return ok
}

// Reading is an immutable sensor sample for one equipment. Not every metric
// is present in every reading; Metrics is sparse.
type Reading struct {
	EquipmentID string             `json:"equipment_id"`
	TS          time.Time          `json:"ts"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Validate checks reading invariants.
func (r Reading) Validate() error {
	if r.EquipmentID == "" {
		return errors.New("reading: empty equipment id")
	}
	if r.TS.IsZero() {
		return errors.New("reading: zero timestamp")
	}
	if len(r.Metrics) == 0 {
		return errors.New("reading: no metrics")
	}
	return nil
}

// Value returns the metric value and whether it is present.
func (r Reading) Value(metric string) (float64, bool) {
	v, ok := r.Metrics[metric]
	return v, ok
}

// Merge returns a copy of r with the other reading's metrics folded in.
// Metrics present in both keep the later reading's value; the merged
// timestamp is the later of the two.
func (r Reading) Merge(other Reading) Reading {
	merged := Reading{
		EquipmentID: r.EquipmentID,
		TS:          r.TS,
		Metrics:     make(map[string]float64, len(r.Metrics)+len(other.Metrics)),
	}
	for name, value := range r.Metrics {
		merged.Metrics[name] = value
	}
	for name, value := range other.Metrics {
		merged.Metrics[name] = value
	}
	if other.TS.After(merged.TS) {
		merged.TS = other.TS
	}
	return merged
}

// ReadingRepository persists canonical readings.
type ReadingRepository interface {
	UpsertReading(ctx context.Context, reading Reading) error
}

// ReadingQuery reads back stored readings.
type ReadingQuery interface {
	ListByEquipment(ctx context.Context, equipmentID string, from, to time.Time) ([]Reading, error)
}
