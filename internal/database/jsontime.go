package database

import (
	"strings"
	"time"
)

// APITime renders a timestamptz as ISO-8601 UTC with millisecond
// precision, the format every API and push-channel response uses.
type APITime struct {
	time.Time
}

const apiTimeLayout = "2006-01-02T15:04:05.000Z"

func (t APITime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(apiTimeLayout) + `"`), nil
}

func (t *APITime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
