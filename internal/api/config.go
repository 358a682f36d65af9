package api

import (
	"net/http"

	"github.com/snarg/rack-engine/internal/config"
)

// ConfigHandler serves the effective configuration with credentials
// masked.
func ConfigHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Redacted())
	}
}
