// Command autoscaler runs the fleet control loop: it reads the queue
// depth every interval and scales the worker fleet toward one worker per
// pending chunk, within the configured floor and ceiling.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khalith/mailscout/internal/autoscaler"
	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/pkg/distlock"
	"github.com/khalith/mailscout/internal/pkg/logger"
	"github.com/khalith/mailscout/internal/queue"
)

func main() {
	log.Println("Starting mailscout autoscaler...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	pingCancel()
	log.Println("Connected to Redis")

	// The broker and the leader lock share one client.
	broker := queue.NewBrokerWithClient(client, cfg.Redis.QueueKey)
	lock := distlock.NewLock(client, nil, "autoscaler:leader", 2*cfg.Autoscaler.Interval())

	driver := autoscaler.NewDriver(cfg.Autoscaler)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down autoscaler...")
		cancel()
	}()

	autoscaler.New(cfg.Autoscaler, broker, driver, lock).Run(ctx)
	log.Println("Autoscaler stopped")
}
