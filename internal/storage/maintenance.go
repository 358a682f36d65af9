package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/database"
)

// Maintainer purges expired rows on a daily schedule. It runs once
// immediately on startup, then every 24 hours.
type Maintainer struct {
	db           *database.DB
	rawRetention time.Duration
	cmdRetention time.Duration
	log          zerolog.Logger
}

func NewMaintainer(db *database.DB, rawRetention time.Duration, log zerolog.Logger) *Maintainer {
	if rawRetention <= 0 {
		rawRetention = 7 * 24 * time.Hour
	}
	return &Maintainer{
		db:           db,
		rawRetention: rawRetention,
		cmdRetention: 30 * 24 * time.Hour,
		log:          log.With().Str("component", "storage").Str("task", "maintenance").Logger(),
	}
}

// Start runs the purge loop until the context is cancelled.
func (m *Maintainer) Start(ctx context.Context) {
	go func() {
		m.run(ctx)

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.run(ctx)
			}
		}
	}()
}

func (m *Maintainer) run(ctx context.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	for _, spec := range []struct {
		table     string
		col       string
		retention time.Duration
	}{
		{"iot_raw_message", "received_at", m.rawRetention},
		{"iot_cmd_result", "parse_at", m.cmdRetention},
	} {
		n, err := m.db.PurgeOlderThan(ctx, spec.table, spec.col, spec.retention)
		if err != nil {
			m.log.Warn().Err(err).Str("table", spec.table).Msg("purge failed")
		} else if n > 0 {
			m.log.Info().Str("table", spec.table).Int64("deleted", n).Msg("purged old rows")
		}
	}

	m.log.Debug().Dur("elapsed_ms", time.Since(start)).Msg("retention maintenance complete")
}
