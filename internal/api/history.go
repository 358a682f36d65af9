package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/rack-engine/internal/database"
)

// HistoryHandler serves persisted telemetry. db is nil when storage is
// disabled; every route then answers 501.
type HistoryHandler struct {
	db *database.DB
}

func NewHistoryHandler(db *database.DB) *HistoryHandler {
	return &HistoryHandler{db: db}
}

func (h *HistoryHandler) requireStorage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.db == nil {
			writeError(w, http.StatusNotImplemented, "storage is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseHistoryFilter reads the shared query params: deviceId,
// moduleIndex, start, end (RFC 3339), limit, offset.
func parseHistoryFilter(r *http.Request) (database.HistoryFilter, error) {
	p, err := parsePage(r)
	if err != nil {
		return database.HistoryFilter{}, err
	}
	f := database.HistoryFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := queryString(r, "deviceId"); ok {
		f.DeviceID = v
	}
	if v, ok := queryInt(r, "moduleIndex"); ok {
		f.ModuleIndex = &v
	}
	if t, ok := queryTime(r, "start"); ok {
		f.Start = &t
	}
	if t, ok := queryTime(r, "end"); ok {
		f.End = &t
	}
	if msg := validateTimeRange(f.Start, f.End); msg != "" {
		return f, errors.New(msg)
	}
	return f, nil
}

func listEnvelope(key string, rows any, total int, f database.HistoryFilter) map[string]any {
	return map[string]any{
		key:      rows,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	}
}

// ListTempHum returns pivoted temperature/humidity rows.
func (h *HistoryHandler) ListTempHum(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, total, err := h.db.ListTempHumHistory(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list temperature history")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("readings", rows, total, filter))
}

// ListNoise returns pivoted noise level rows.
func (h *HistoryHandler) ListNoise(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, total, err := h.db.ListNoiseHistory(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list noise history")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("readings", rows, total, filter))
}

// ListRfidEvents returns tag movements, optionally narrowed by tagId
// or action.
func (h *HistoryHandler) ListRfidEvents(w http.ResponseWriter, r *http.Request) {
	base, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.RfidEventFilter{HistoryFilter: base}
	if v, ok := queryString(r, "tagId"); ok {
		filter.TagID = v
	}
	if v, ok := queryString(r, "action"); ok {
		filter.Action = v
	}
	rows, total, err := h.db.ListRfidEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rfid events")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("events", rows, total, base))
}

// ListDoors returns door state changes.
func (h *HistoryHandler) ListDoors(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, total, err := h.db.ListDoorEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list door events")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("events", rows, total, filter))
}

// ListHeartbeats returns raw heartbeat rows.
func (h *HistoryHandler) ListHeartbeats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, total, err := h.db.ListHeartbeats(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list heartbeats")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("heartbeats", rows, total, filter))
}

// ListChanges returns recorded topology changes, optionally narrowed
// by kind.
func (h *HistoryHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, _ := queryString(r, "kind")
	rows, total, err := h.db.ListTopChanges(r.Context(), filter, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list topology changes")
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope("changes", rows, total, filter))
}

// ListMetadata returns the persisted metadata row for every device.
func (h *HistoryHandler) ListMetadata(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.ListDeviceMetadata(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list device metadata")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": rows,
		"total":   len(rows),
	})
}

// Routes registers history routes on the given router.
func (h *HistoryHandler) Routes(r chi.Router) {
	r.Use(h.requireStorage)
	r.Get("/temp-hum", h.ListTempHum)
	r.Get("/noise", h.ListNoise)
	r.Get("/rfid-events", h.ListRfidEvents)
	r.Get("/doors", h.ListDoors)
	r.Get("/heartbeats", h.ListHeartbeats)
	r.Get("/changes", h.ListChanges)
	r.Get("/metadata", h.ListMetadata)
}
