package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Watchdog periodically sweeps the cache and marks devices and modules
// offline when their heartbeats go quiet. It never removes entries.
type Watchdog struct {
	cache    *Cache
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

func NewWatchdog(c *Cache, interval, timeout time.Duration, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		cache:    c,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "watchdog").Logger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if marked := w.cache.MarkStale(w.timeout); marked > 0 {
				w.log.Info().
					Int("marked_offline", marked).
					Dur("timeout", w.timeout).
					Msg("stale entries marked offline")
			}
		case <-ctx.Done():
			return
		}
	}
}
