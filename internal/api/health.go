package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/snarg/rack-engine/internal/database"
)

type MemoryStats struct {
	AllocMB    float64 `json:"alloc_mb"`
	SysMB      float64 `json:"sys_mb"`
	Goroutines int     `json:"goroutines"`
}

type HealthResponse struct {
	Status        string      `json:"status"`
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime"`
	DB            string      `json:"db"`
	MQTT          string      `json:"mqtt"`
	Memory        MemoryStats `json:"memory"`
}

type HealthHandler struct {
	db        *database.DB
	mqtt      MQTTStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, mqtt MQTTStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
	}
}

// ServeHTTP reports overall readiness. A failing database check makes
// the service unhealthy (503); a disconnected broker only degrades it.
// With storage disabled the database reports disconnected without
// affecting status.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	dbState := "disconnected"
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			dbState = "connected"
		}
	}

	mqttState := "disconnected"
	if h.mqtt != nil && h.mqtt.IsConnected() {
		mqttState = "connected"
	} else if status == "healthy" {
		status = "degraded"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		DB:            dbState,
		MQTT:          mqttState,
		Memory: MemoryStats{
			AllocMB:    float64(mem.Alloc) / (1024 * 1024),
			SysMB:      float64(mem.Sys) / (1024 * 1024),
			Goroutines: runtime.NumGoroutine(),
		},
	})
}
