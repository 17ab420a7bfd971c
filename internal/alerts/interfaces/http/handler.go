package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	alertapp "equipwatch/internal/alerts/application"
	alerts "equipwatch/internal/alerts/domain"
)

// Handler provides the alert audit-trail read path and acknowledgement.
type Handler struct {
	service *alertapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alerts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/alerts/"):
		h.handleAction(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	equipmentID := r.URL.Query().Get("equipment_id")
	if equipmentID == "" {
		http.Error(w, "equipment_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from", time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to", time.Now().UTC().Add(time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")

	result, err := h.service.ListByEquipment(r.Context(), equipmentID, status, from, to)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"alerts": result})
}

// handleAction handles POST /api/v1/alerts/{id}/ack.
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "ack" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alert, err := h.service.Acknowledge(r.Context(), parts[0])
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		http.Error(w, "ack error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, alert)
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
