package ingest

import (
	"errors"
	"log"
	"time"

	"equipwatch/internal/observability/metrics"
	telemetry "equipwatch/internal/telemetry/domain"
)

// Ingress validates and normalizes raw sensor messages into canonical
// readings, coalesces sibling metrics, and hands the result to the
// delivery coordinator.
type Ingress struct {
	coalescer *Coalescer
	logger    *log.Logger
}

// NewIngress constructs an ingress. deliver receives each coalesced reading.
func NewIngress(window time.Duration, deliver func(telemetry.Reading), logger *log.Logger) (*Ingress, error) {
	if deliver == nil {
		return nil, errors.New("ingress: nil deliver func")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ingress{
		coalescer: NewCoalescer(window, deliver),
		logger:    logger,
	}, nil
}

// HandleMessage processes one raw transport message. Permanent decode
// failures are counted and dropped; they are never retried.
func (i *Ingress) HandleMessage(topic string, payload []byte, receivedAt time.Time) {
	if i == nil {
		return
	}
	reading, err := DecodeReading(topic, payload, receivedAt)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownMetricType):
			metrics.IncIngestDropped(metrics.DropUnknownMetric)
		default:
			metrics.IncIngestDropped(metrics.DropMalformedPayload)
		}
		i.logger.Printf("ingress: dropping message on %s: %v", topic, err)
		return
	}
	for name := range reading.Metrics {
		metrics.IncIngestMessage(name)
	}
	i.coalescer.Add(reading)
}

// Flush drains any pending coalesced readings. Used on shutdown.
func (i *Ingress) Flush() {
	if i != nil {
		i.coalescer.Flush()
	}
}
