package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/broker"
	"github.com/campaignkit/saga-service/internal/config"
	"github.com/campaignkit/saga-service/internal/coordinator"
	"github.com/campaignkit/saga-service/internal/listener"
	"github.com/campaignkit/saga-service/internal/logger"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	dispatcher := broker.NewDispatcher(cfg.Kafka.Brokers, 10*time.Second, log)
	defer dispatcher.Close()

	store, err := sagastore.New(gdb, rdb, log)
	if err != nil {
		log.Fatalf("init saga store: %v", err)
	}
	coord := coordinator.New(store, dispatcher, coordinator.DefaultRegistry(), log)

	reader := broker.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic, cfg.Kafka.Group)
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("step outcome listener started", "topic", cfg.Kafka.ResultsTopic, "group", cfg.Kafka.Group)
	if err := listener.New(reader, store, coord, log).Run(ctx); err != nil {
		log.Fatalf("listener: %v", err)
	}
	log.Info("step outcome listener stopped")
}
