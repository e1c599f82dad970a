// Command server runs the mailscout ingress API: it accepts address
// lists, fans them out to the queue as chunk payloads, and serves job
// status, results, exports and inline verification.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/khalith/mailscout/internal/api"
	"github.com/khalith/mailscout/internal/archive"
	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/governor"
	"github.com/khalith/mailscout/internal/pkg/logger"
	"github.com/khalith/mailscout/internal/producer"
	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
	"github.com/khalith/mailscout/internal/verifier"
)

// checkPortAvailable verifies the target port is free so a stale process
// fails the boot loudly instead of silently keeping the traffic.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting mailscout API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")
	st := store.New(db)

	broker, err := queue.NewBroker(cfg.Redis.URL, cfg.Redis.QueueKey)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer broker.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := broker.Ping(pingCtx); err != nil {
		// Not fatal: submissions fail until Redis returns, and /health
		// reports the outage in the meantime.
		log.Printf("Warning: Redis ping failed: %v", err)
	}
	pingCancel()

	arc, err := archive.New(context.Background(), cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize archive storage: %v", err)
	}
	var archiver producer.Archiver
	if arc.IsConfigured() {
		archiver = arc
		log.Printf("Archive storage enabled: bucket %s", cfg.Archive.Bucket)
	} else {
		log.Println("Archive storage not configured, list archival and exports disabled")
	}

	prod := producer.New(st, broker, archiver, cfg.Producer.ChunkSize)

	gov := governor.New(cfg.Worker.Concurrency, cfg.Worker.DNSConcurrency,
		cfg.Worker.SMTPConcurrency, cfg.Worker.PerHostConcurrency, cfg.Verify.MXCacheTTL())
	kernel := verifier.New(cfg.Verify, gov)

	server := api.NewServer(cfg.Server, api.NewHandlers(prod, st, broker, kernel, arc))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
