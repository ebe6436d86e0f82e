package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
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
	"github.com/campaignkit/saga-service/internal/logger"
	"github.com/campaignkit/saga-service/internal/model"
	"github.com/campaignkit/saga-service/internal/sagastore"
	httptransport "github.com/campaignkit/saga-service/internal/transport/http"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	// 1. load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.OutboxEvent{}, &model.Saga{}, &model.SagaStep{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. broker dispatcher
	dispatcher := broker.NewDispatcher(cfg.Kafka.Brokers, 10*time.Second, log)
	defer dispatcher.Close()

	// 6. saga store & coordinator
	store, err := sagastore.New(gdb, rdb, log)
	if err != nil {
		log.Fatalf("init saga store: %v", err)
	}
	coord := coordinator.New(store, dispatcher, coordinator.DefaultRegistry(), log)

	// 7. gin router
	router := httptransport.NewRouter(coord, store, cfg.RateLimit, log)

	// 8. serve with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("saga-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
