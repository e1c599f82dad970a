// Command worker runs one verification worker: it pops chunk payloads
// from the queue, verifies each address under the concurrency governor,
// and persists verdicts. Fleet size is the autoscaler's business; this
// process just consumes until told to stop.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/governor"
	"github.com/khalith/mailscout/internal/pkg/logger"
	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
	"github.com/khalith/mailscout/internal/verifier"
	"github.com/khalith/mailscout/internal/worker"
)

func main() {
	log.Println("Starting mailscout worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	broker, err := queue.NewBroker(cfg.Redis.URL, cfg.Redis.QueueKey)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer broker.Close()

	pingCtx, pingCancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := broker.Ping(pingCtx); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	pingCancel()
	log.Println("Connected to Redis")

	gov := governor.New(cfg.Worker.Concurrency, cfg.Worker.DNSConcurrency,
		cfg.Worker.SMTPConcurrency, cfg.Worker.PerHostConcurrency, cfg.Verify.MXCacheTTL())
	kernel := verifier.New(cfg.Verify, gov)

	w := worker.New(cfg.Worker, broker, store.New(db), kernel, gov)
	w.Start()
	log.Printf("Worker running (concurrency %d, queue %s)",
		cfg.Worker.Concurrency, cfg.Redis.QueueKey)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	w.Stop()
}
