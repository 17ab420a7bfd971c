package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "equipwatch_"

// Drop reasons for messages the pipeline discards.
const (
	DropMalformedPayload = "malformed_payload"
	DropUnknownMetric    = "unknown_metric_type"
	DropUnknownEquipment = "unknown_equipment"
	DropLaneOverflow     = "lane_overflow"
	DropRetired          = "equipment_retired"
	DropDeliveryFailed   = "delivery_failed"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestDropped  *prometheus.CounterVec

	laneDepth       *prometheus.GaugeVec
	deliveryRetries prometheus.Counter
	eventsProcessed *prometheus.CounterVec

	alertEvents *prometheus.CounterVec

	readingsPersisted prometheus.Counter

	mqttConnectionState prometheus.Gauge
)

// Init registers pipeline metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Raw transport messages by metric type",
			},
			[]string{"metric_type"},
		)
		ingestDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_dropped_total",
				Help: "Messages dropped before evaluation, by reason",
			},
			[]string{"reason"},
		)
		laneDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "lane_depth",
				Help: "Queued events per delivery lane",
			},
			[]string{"lane"},
		)
		deliveryRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "delivery_retries_total",
				Help: "Transient-stage retries across all lanes",
			},
		)
		eventsProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_processed_total",
				Help: "Fully processed events by result",
			},
			[]string{"result"},
		)
		alertEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert lifecycle events by type",
			},
			[]string{"type"},
		)
		readingsPersisted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_persisted_total",
				Help: "Canonical readings written to storage",
			},
		)
		mqttConnectionState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mqtt_connection_state",
				Help: "Ingress connection state (0-disconnected 1-connecting 2-connected 3-reconnecting)",
			},
		)

		prometheus.MustRegister(
			ingestMessages,
			ingestDropped,
			laneDepth,
			deliveryRetries,
			eventsProcessed,
			alertEvents,
			readingsPersisted,
			mqttConnectionState,
		)
	})
}

// IncIngestMessage counts one received transport message.
func IncIngestMessage(metricType string) {
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(metricType).Inc()
	}
}

// IncIngestDropped counts one dropped message.
func IncIngestDropped(reason string) {
	if ingestDropped != nil {
		ingestDropped.WithLabelValues(reason).Inc()
	}
}

// SetLaneDepth records a lane's queue depth.
func SetLaneDepth(lane string, depth int) {
	if laneDepth != nil {
		laneDepth.WithLabelValues(lane).Set(float64(depth))
	}
}

// IncDeliveryRetry counts one transient-stage retry.
func IncDeliveryRetry() {
	if deliveryRetries != nil {
		deliveryRetries.Inc()
	}
}

// IncEventProcessed counts one fully handled event.
func IncEventProcessed(result string) {
	if eventsProcessed != nil {
		eventsProcessed.WithLabelValues(result).Inc()
	}
}

// IncAlertEvent counts one alert lifecycle event.
func IncAlertEvent(eventType string) {
	if alertEvents != nil {
		alertEvents.WithLabelValues(eventType).Inc()
	}
}

// IncReadingPersisted counts one stored reading.
func IncReadingPersisted() {
	if readingsPersisted != nil {
		readingsPersisted.Inc()
	}
}

// SetConnectionState records the ingress connection state machine value.
func SetConnectionState(state int) {
	if mqttConnectionState != nil {
		mqttConnectionState.Set(float64(state))
	}
}
