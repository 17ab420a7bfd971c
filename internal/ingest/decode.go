package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

// Permanent ingress failures. Malformed data cannot become well-formed by
// retrying; both cause the message to be dropped.
var (
	ErrMalformedPayload  = errors.New("ingest: malformed payload")
	ErrUnknownMetricType = errors.New("ingest: unknown metric type")
)

const sensorTopicPrefix = "sensors"

// sensorPayload is the wire shape of a sensor sample. All fields are
// optional; at least one value-bearing field must be present.
type sensorPayload struct {
	Value       *float64           `json:"value"`
	Temperature *float64           `json:"temperature"`
	Vibration   *float64           `json:"vibration"`
	Pressure    *float64           `json:"pressure"`
	Humidity    *float64           `json:"humidity"`
	Current     *float64           `json:"current"`
	Voltage     *float64           `json:"voltage"`
	Power       *float64           `json:"power"`
	RPM         *float64           `json:"rpm"`
	Metrics     map[string]float64 `json:"metrics"`
	Timestamp   string             `json:"timestamp"`
}

// ParseTopic splits a sensor topic of the form
// sensors/{equipmentId}/{metricType}.
func ParseTopic(topic string) (equipmentID, metricType string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != sensorTopicPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: bad topic %q", ErrMalformedPayload, topic)
	}
	if !telemetry.SupportedMetric(parts[2]) {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownMetricType, parts[2])
	}
	return parts[1], parts[2], nil
}

// DecodeReading normalizes one raw message into a canonical Reading. The
// reading's timestamp comes from the payload when present, else receivedAt.
func DecodeReading(topic string, payload []byte, receivedAt time.Time) (telemetry.Reading, error) {
	equipmentID, metricType, err := ParseTopic(topic)
	if err != nil {
		return telemetry.Reading{}, err
	}

	var sample sensorPayload
	if err := json.Unmarshal(payload, &sample); err != nil {
		return telemetry.Reading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	values := make(map[string]float64)
	if primary, ok := primaryValue(metricType, sample); ok {
		values[metricType] = primary
	}
	for name, value := range sample.Metrics {
		if telemetry.SupportedMetric(name) {
			values[name] = value
		}
	}
	if len(values) == 0 {
		return telemetry.Reading{}, fmt.Errorf("%w: no usable values", ErrMalformedPayload)
	}

	ts := receivedAt.UTC()
	if sample.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, sample.Timestamp)
		if err != nil {
			return telemetry.Reading{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedPayload, sample.Timestamp)
		}
		ts = parsed.UTC()
	}

	return telemetry.Reading{EquipmentID: equipmentID, TS: ts, Metrics: values}, nil
}

// primaryValue resolves the value for the topic's metric type. The generic
// `value` field wins; otherwise the field named after the metric, and for
// electrical/performance topics the most representative named field.
func primaryValue(metricType string, sample sensorPayload) (float64, bool) {
	if sample.Value != nil {
		return *sample.Value, true
	}
	switch metricType {
	case telemetry.MetricTemperature:
		if sample.Temperature != nil {
			return *sample.Temperature, true
		}
	case telemetry.MetricVibration:
		if sample.Vibration != nil {
			return *sample.Vibration, true
		}
	case telemetry.MetricPressure:
		if sample.Pressure != nil {
			return *sample.Pressure, true
		}
	case telemetry.MetricHumidity:
		if sample.Humidity != nil {
			return *sample.Humidity, true
		}
	case telemetry.MetricElectrical:
		for _, v := range []*float64{sample.Power, sample.Current, sample.Voltage} {
			if v != nil {
				return *v, true
			}
		}
	case telemetry.MetricPerformance:
		if sample.RPM != nil {
			return *sample.RPM, true
		}
	}
	if v, ok := sample.Metrics[metricType]; ok {
		return v, true
	}
	return 0, false
}
