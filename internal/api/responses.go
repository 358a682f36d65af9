package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps command request bodies; device payloads are tiny.
const maxBodyBytes = 64 << 10

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// errorBody is the envelope every error response uses.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders the error envelope. An optional single detail
// string fills the detail field.
func writeError(w http.ResponseWriter, status int, msg string, detail ...string) {
	body := errorBody{Error: msg}
	if len(detail) > 0 {
		body.Detail = detail[0]
	}
	writeJSON(w, status, body)
}

// page holds offset pagination bounds for history listings.
type page struct {
	Limit  int
	Offset int
}

// parsePage reads limit and offset, applying the default and the
// upper bound on limit.
func parsePage(r *http.Request) (page, error) {
	p := page{Limit: defaultPageSize}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		if n > maxPageSize {
			return p, fmt.Errorf("limit must be <= %d, got %d", maxPageSize, n)
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer, got %q", v)
		}
		p.Offset = n
	}
	return p, nil
}

// queryInt reads an integer query parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// queryString reads a non-empty string query parameter.
func queryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	return v, v != ""
}

// queryTime reads a timestamp query parameter. RFC 3339 and bare
// dates are both accepted.
func queryTime(r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// validateTimeRange returns a client-facing message when the range is
// inverted, or "" when it is acceptable.
func validateTimeRange(start, end *time.Time) string {
	if start != nil && end != nil && !start.Before(*end) {
		return "start must be before end"
	}
	return ""
}

// pathInt reads an integer chi URL parameter.
func pathInt(r *http.Request, name string) (int, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return 0, fmt.Errorf("missing path parameter %s", name)
	}
	return strconv.Atoi(v)
}

// decodeJSON decodes the request body into v, capped at maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
