package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	telemetry "equipwatch/internal/telemetry/domain"
)

// ReadingsHandler serves the stored reading history for an equipment.
type ReadingsHandler struct {
	query telemetry.ReadingQuery
}

// NewReadingsHandler constructs a readings handler.
func NewReadingsHandler(query telemetry.ReadingQuery) (*ReadingsHandler, error) {
	if query == nil {
		return nil, errors.New("readings handler: nil query")
	}
	return &ReadingsHandler{query: query}, nil
}

// ServeHTTP handles GET /api/v1/readings?equipment_id=&from=&to=.
func (h *ReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	equipmentID := r.URL.Query().Get("equipment_id")
	if equipmentID == "" {
		http.Error(w, "equipment_id is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	from, err := parseTimeQuery(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to", now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	readings, err := h.query.ListByEquipment(r.Context(), equipmentID, from, to)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"equipment_id": equipmentID,
		"from":         from,
		"to":           to,
		"readings":     readings,
	})
}

func parseTimeQuery(r *http.Request, key string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
