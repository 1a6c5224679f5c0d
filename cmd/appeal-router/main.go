package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ILLUVRSE/appeal-router/internal/appeals"
	"github.com/ILLUVRSE/appeal-router/internal/config"
	"github.com/ILLUVRSE/appeal-router/internal/events"
	"github.com/ILLUVRSE/appeal-router/internal/httpserver"
	"github.com/ILLUVRSE/appeal-router/internal/routing"
	"github.com/ILLUVRSE/appeal-router/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TraceStdout {
		tp, err := newTracerProvider()
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	service := appeals.New(st, routing.NewEngine(routing.NewWeightedPicker()))
	var guard *httpserver.TokenGuard
	if cfg.Auth.JWTSecret != "" {
		guard = httpserver.NewTokenGuard(cfg.Auth.JWTSecret, cfg.Auth.WriteScope)
	} else {
		log.Printf("APPEALS_JWT_SECRET not set; write routes are unauthenticated")
	}
	server := httpserver.New(service, guard)

	if cfg.StreamingEnabled() {
		streamer, err := newStreamer(ctx, st, cfg)
		if err != nil {
			log.Fatalf("init streamer: %v", err)
		}
		go func() {
			if err := streamer.Run(ctx); err != nil {
				log.Printf("streamer stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Appeal router listening on %s (store=%s)", cfg.Addr, cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("appeal router server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, cancel)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	noop := func() {}
	if cfg.Driver == config.DriverMemory {
		return store.NewMemoryStore(), noop, nil
	}
	target, err := cfg.Target(nil)
	if err != nil {
		return nil, noop, err
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", target)
		if err != nil {
			return nil, noop, err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		pg := store.NewPGStore(db)
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				db.Close()
				return nil, noop, err
			}
		}
		return pg, func() { db.Close() }, nil
	default:
		db, err := store.OpenSQLite(target)
		if err != nil {
			return nil, noop, err
		}
		lite := store.NewSQLiteStore(db)
		if err := lite.Migrate(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		return lite, func() { db.Close() }, nil
	}
}

func newStreamer(ctx context.Context, st store.Store, cfg config.Config) (*events.Streamer, error) {
	producer, err := events.NewKafkaProducer(events.KafkaProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	if err != nil {
		return nil, err
	}
	var archiver events.Archiver
	if cfg.S3.Bucket != "" {
		s3a, err := events.NewS3Archiver(ctx, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			producer.Close()
			return nil, err
		}
		archiver = s3a
	}
	return events.NewStreamer(st, producer, archiver, events.StreamerConfig{
		BatchSize:      cfg.Streamer.BatchSize,
		PollInterval:   cfg.Streamer.PollInterval,
		MaxConcurrency: cfg.Streamer.MaxConcurrency,
		ClaimLease:     cfg.Streamer.ClaimLease,
	}), nil
}

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func waitForShutdown(srv *http.Server, cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("appeal router graceful shutdown: %v", err)
	}
}
