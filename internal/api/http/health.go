package http

import (
	"encoding/json"
	"errors"
	"net/http"

	alertapp "equipwatch/internal/alerts/application"
	"equipwatch/internal/pipeline"
	registry "equipwatch/internal/registry/domain"
	"equipwatch/internal/rolling"
	telemetry "equipwatch/internal/telemetry/domain"
)

// HealthHandler serves the read-path health snapshot for an equipment: the
// current rolling aggregate plus the verdicts of the same rule evaluator
// the delivery pipeline uses. One evaluator serves both paths so the view
// can never drift from the alerting logic.
type HealthHandler struct {
	registry  pipeline.Registry
	store     *rolling.Store
	evaluator *alertapp.Evaluator
}

// NewHealthHandler constructs a health handler.
func NewHealthHandler(reg pipeline.Registry, store *rolling.Store, evaluator *alertapp.Evaluator) (*HealthHandler, error) {
	if reg == nil || store == nil || evaluator == nil {
		return nil, errors.New("health handler: nil dependency")
	}
	return &HealthHandler{registry: reg, store: store, evaluator: evaluator}, nil
}

type healthResponse struct {
	EquipmentID string           `json:"equipment_id"`
	Status      string           `json:"status"`
	Aggregate   rolling.Snapshot `json:"aggregate"`
	Firings     []firingView     `json:"firings"`
}

type firingView struct {
	RuleID    string  `json:"rule_id"`
	Metric    string  `json:"metric"`
	Severity  string  `json:"severity"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Title     string  `json:"title"`
}

// ServeHTTP handles GET /api/v1/health?equipment_id=...
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	equipmentID := r.URL.Query().Get("equipment_id")
	if equipmentID == "" {
		http.Error(w, "equipment_id is required", http.StatusBadRequest)
		return
	}

	profile, err := h.registry.Lookup(r.Context(), equipmentID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownEquipment) {
			http.Error(w, "unknown equipment", http.StatusNotFound)
			return
		}
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, ok := h.store.Snapshot(equipmentID)
	if !ok {
		http.Error(w, "no readings yet", http.StatusNotFound)
		return
	}

	resp := healthResponse{
		EquipmentID: equipmentID,
		Status:      profile.Status,
		Aggregate:   snapshot,
		Firings:     []firingView{},
	}
	for _, firing := range h.evaluator.Evaluate(latestAsReading(snapshot), snapshot, *profile) {
		resp.Firings = append(resp.Firings, firingView(firing))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// latestAsReading rebuilds a synthetic latest reading from the aggregate's
// per-metric last values so the evaluator sees the same inputs the write
// path saw most recently.
func latestAsReading(snapshot rolling.Snapshot) telemetry.Reading {
	reading := telemetry.Reading{
		EquipmentID: snapshot.EquipmentID,
		TS:          snapshot.LastTS,
		Metrics:     make(map[string]float64, len(snapshot.Metrics)),
	}
	for name, agg := range snapshot.Metrics {
		if agg.Count > 0 {
			reading.Metrics[name] = agg.Last
		}
	}
	return reading
}
