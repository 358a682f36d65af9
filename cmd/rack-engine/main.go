package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	rackengine "github.com/snarg/rack-engine"
	"github.com/snarg/rack-engine/internal/api"
	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/cache"
	"github.com/snarg/rack-engine/internal/command"
	"github.com/snarg/rack-engine/internal/config"
	"github.com/snarg/rack-engine/internal/database"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
	"github.com/snarg/rack-engine/internal/mqttclient"
	"github.com/snarg/rack-engine/internal/normalize"
	"github.com/snarg/rack-engine/internal/parse"
	"github.com/snarg/rack-engine/internal/storage"
	"github.com/snarg/rack-engine/internal/webhook"
	"github.com/snarg/rack-engine/internal/ws"
)

var version = "dev"

func main() {
	startTime := time.Now()

	// Flags override env vars, which override the .env file.
	var ov config.Overrides
	flag.StringVar(&ov.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&ov.HTTPAddr, "http-addr", "", "REST API listen address")
	flag.StringVar(&ov.WSAddr, "ws-addr", "", "WebSocket listen address")
	flag.StringVar(&ov.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&ov.DatabaseURL, "database-url", "", "Postgres connection URL")
	flag.StringVar(&ov.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL")
	flag.Parse()

	// Config
	cfg, err := config.Load(ov)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("rack-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bus and live state cache
	b := bus.New(log)
	c := cache.New()

	b.Subscribe(bus.Errors, "errlog", func(msg any) error {
		ev, ok := msg.(event.ErrorEvent)
		if !ok {
			return nil
		}
		log.Warn().Str("source", ev.Source).Err(ev.Err).Msg("pipeline error")
		return nil
	})

	// Pipeline stages
	parse.NewDispatcher(b, log).Register()
	normalize.New(b, c, cfg.RepairDebounce, log).Register()
	cache.NewWatchdog(c, cfg.WatchdogInterval, cfg.HeartbeatTimeout, log).Start(ctx)

	// Storage
	var (
		db     *database.DB
		writer *storage.Writer
		arch   *storage.Archiver
	)
	if cfg.StorageEnabled {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.InitSchema(ctx, rackengine.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}

		writer = storage.NewWriter(db, b, storage.Options{
			FlushInterval: cfg.StorageFlushInterval,
			BatchSize:     cfg.StorageBatchSize,
		}, log)
		writer.Register()
		writer.Start()

		if cfg.RawStore {
			arch = storage.NewArchiver(db, b, log)
			arch.Register()
		}
		storage.NewMaintainer(db, cfg.RawRetention, log).Start(ctx)
	}

	// MQTT
	mqttLog := log.With().Str("component", "mqtt").Logger()
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL:       cfg.MQTTBrokerURL,
		ClientID:        cfg.MQTTClientID,
		Topics:          []string{cfg.MQTTTopicV5008, cfg.MQTTTopicV6800},
		Username:        cfg.MQTTUsername,
		Password:        cfg.MQTTPassword,
		ConnectTimeout:  cfg.MQTTConnectTimeout,
		ReconnectPeriod: cfg.MQTTReconnectPeriod,
		OnMessage: func(topic string, payload []byte) {
			b.Publish(bus.IngressRaw, event.RawMessage{
				Topic:      topic,
				Payload:    payload,
				ReceivedAt: time.Now().UTC(),
			})
		},
		Log: mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}

	// Command downlink
	command.New(b, mqtt, log).Register()

	// Webhook fanout
	var hook *webhook.Sender
	if cfg.WebhookEnabled {
		hook = webhook.New(b, webhook.Options{
			URL:     cfg.WebhookURL,
			Filters: cfg.WebhookFilters,
		}, log)
		hook.Register()
	}

	// WebSocket push
	var hub *ws.Hub
	if cfg.WSEnabled {
		hub = ws.NewHub(b, cfg.WSAddr, log)
		hub.Register()
	}

	// Scrape-time gauges
	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	var wsFn func() int
	if hub != nil {
		wsFn = hub.ClientCount
	}
	prometheus.MustRegister(metrics.NewCollector(pool, c, wsFn))

	// HTTP Server
	var srv *api.Server
	if cfg.APIEnabled {
		httpLog := log.With().Str("component", "http").Logger()
		srv = api.NewServer(cfg, db, c, b, mqtt, version, startTime, httpLog)
	}

	// Start servers in background
	errCh := make(chan error, 2)
	if srv != nil {
		go func() { errCh <- srv.Start() }()
	}
	if hub != nil {
		go func() { errCh <- hub.Start() }()
	}

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mqtt.Close()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}
	if hub != nil {
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("websocket server shutdown error")
		}
	}

	// Drain the pipeline, then flush what it produced.
	b.Close()
	if writer != nil {
		writer.Stop()
	}
	if arch != nil {
		arch.Stop()
	}
	if hook != nil {
		hook.Stop()
	}

	log.Info().Msg("rack-engine stopped")
}
