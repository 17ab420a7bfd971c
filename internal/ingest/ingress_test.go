package ingest

import (
	"log"
	"testing"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

func newTestIngress(t *testing.T, recorder *emitRecorder) *Ingress {
	t.Helper()
	ingress, err := NewIngress(time.Minute, recorder.emit, log.New(ingressLogWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("new ingress: %v", err)
	}
	return ingress
}

type ingressLogWriter struct {
	t *testing.T
}

func (w ingressLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestIngressDeliversDecodedReading(t *testing.T) {
	recorder := &emitRecorder{}
	ingress := newTestIngress(t, recorder)

	receivedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ingress.HandleMessage("sensors/pump-1/temperature", []byte(`{"value": 81}`), receivedAt)
	ingress.Flush()

	if recorder.count() != 1 {
		t.Fatalf("expected one delivered reading, got %d", recorder.count())
	}
	reading := recorder.first(t)
	if reading.EquipmentID != "pump-1" {
		t.Fatalf("unexpected equipment id %s", reading.EquipmentID)
	}
	if v, _ := reading.Value(telemetry.MetricTemperature); v != 81 {
		t.Fatalf("expected temperature 81, got %f", v)
	}
}

func TestIngressDropsMalformedMessages(t *testing.T) {
	recorder := &emitRecorder{}
	ingress := newTestIngress(t, recorder)

	ingress.HandleMessage("sensors/pump-1/temperature", []byte(`{not json`), time.Now())
	ingress.HandleMessage("sensors/pump-1/torque", []byte(`{"value": 1}`), time.Now())
	ingress.HandleMessage("bogus-topic", []byte(`{"value": 1}`), time.Now())
	ingress.Flush()

	if recorder.count() != 0 {
		t.Fatalf("expected all malformed messages dropped, got %d deliveries", recorder.count())
	}
}

func TestIngressCoalescesAcrossTopics(t *testing.T) {
	recorder := &emitRecorder{}
	ingress := newTestIngress(t, recorder)

	receivedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ingress.HandleMessage("sensors/pump-1/temperature", []byte(`{"value": 81}`), receivedAt)
	ingress.HandleMessage("sensors/pump-1/vibration", []byte(`{"value": 3.1}`), receivedAt.Add(time.Second))
	ingress.Flush()

	if recorder.count() != 1 {
		t.Fatalf("expected one coalesced reading, got %d", recorder.count())
	}
	if got := len(recorder.first(t).Metrics); got != 2 {
		t.Fatalf("expected 2 metrics in coalesced reading, got %d", got)
	}
}
