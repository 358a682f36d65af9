package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/rack-engine/internal/cache"
)

// LiveHandler serves snapshots of the in-memory device and module
// state. It never touches the database, so it stays available when
// storage is disabled.
type LiveHandler struct {
	cache *cache.Cache
}

func NewLiveHandler(c *cache.Cache) *LiveHandler {
	return &LiveHandler{cache: c}
}

// GetTopology returns every known device with its modules.
func (h *LiveHandler) GetTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Devices())
}

// GetDevice returns one device with its modules.
func (h *LiveHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	dev, ok := h.cache.Device(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// GetModule returns the full cached state of one module, including the
// latest telemetry per sensor slot.
func (h *LiveHandler) GetModule(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	moduleIndex, err := pathInt(r, "moduleIndex")
	if err != nil {
		writeError(w, http.StatusBadRequest, "moduleIndex must be an integer")
		return
	}
	mod, ok := h.cache.Module(deviceID, moduleIndex)
	if !ok {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

// Routes registers live state routes on the given router.
func (h *LiveHandler) Routes(r chi.Router) {
	r.Get("/topology", h.GetTopology)
	r.Get("/devices/{deviceId}", h.GetDevice)
	r.Get("/devices/{deviceId}/modules/{moduleIndex}", h.GetModule)
}
