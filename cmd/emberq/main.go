package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/emberq/emberq/internal/auth"
	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/config"
	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/persistence"
	"github.com/emberq/emberq/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, b *broker.Broker, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log := logger.GetGlobalLogger()
	log.Info("graceful shutdown triggered")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.LogError(err, "listener stop failed")
	}
	b.Stop()
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		logger.GetGlobalLogger().LogError(err, "failed to load config")
		os.Exit(1)
	}

	logCfg := logger.ProductionConfig()
	if cfg.Log.Format == "text" {
		logCfg.Format = "text"
	}
	if cfg.Log.Level == "debug" {
		logCfg.Level = logger.LevelDebug
	}
	logCfg.Version = cfg.Version
	logger.InitGlobalLogger(logCfg)
	log := logger.GetGlobalLogger()

	var persist persistence.Store = persistence.NewMemoryStore()
	if cfg.Persistence.Backend == "sqlite" {
		db, err := sql.Open("sqlite3", cfg.Persistence.Database)
		if err != nil {
			log.LogError(err, "failed to open session db")
			os.Exit(1)
		}
		persist, err = persistence.NewSQLiteStore(db)
		if err != nil {
			log.LogError(err, "failed to prepare session db")
			os.Exit(1)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		if err := m.Register(nil); err != nil {
			log.LogError(err, "failed to register metrics")
			os.Exit(1)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.LogError(err, "metrics endpoint failed")
			}
		}()
	}

	b := broker.New(broker.Options{
		RetryInterval:   cfg.RetryIntervalDuration(),
		MaxRetries:      cfg.Broker.MaxRetries,
		MaxInflight:     cfg.Broker.MaxInflight,
		KeepAliveFactor: cfg.Broker.KeepAliveFactor,
		Persistence:     persist,
		Metrics:         m,
	})

	opts := []transport.Option{
		transport.WithMaxConnections(cfg.Server.MaxConnections),
		transport.WithMetrics(m),
	}
	if cfg.Auth.Enabled {
		db, err := sql.Open("sqlite3", cfg.Auth.Database)
		if err != nil {
			log.LogError(err, "failed to open auth db")
			os.Exit(1)
		}
		store := auth.NewStore(db)
		if err := store.EnsureSchema(); err != nil {
			log.LogError(err, "failed to prepare auth db")
			os.Exit(1)
		}
		opts = append(opts, transport.WithAuth(store))
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, b, opts...)

	if err := srv.Start(ctx); err != nil {
		log.LogError(err, "server start failed")
		cancel()
		os.Exit(1)
	}
	log.Info("server started", slog.String("port", cfg.Server.Port))

	go gracefulShutdown(srv, b, cancel, done)

	// Drain delivery events so slow consumers never stall the engine.
	go func() {
		for event := range b.Events() {
			log.Warn("delivery gave up",
				slog.String("client_id", event.ClientID),
				slog.String("topic", event.Topic),
				slog.Int("packet_id", int(event.PacketID)))
		}
	}()

	<-done
	log.Info("graceful shutdown complete")
}
