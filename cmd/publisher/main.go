package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/broker"
	"github.com/campaignkit/saga-service/internal/config"
	"github.com/campaignkit/saga-service/internal/logger"
	"github.com/campaignkit/saga-service/internal/outbox"
)

// The publisher is the only process that flips outbox rows to published. Run
// it one-shot from cron, or with -loop as a long-lived drainer. One-shot
// exits 0 after a single batch (or none pending); startup failures exit
// non-zero.
func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	batch := flag.Int("batch", 0, "batch size (defaults to outbox.batch_size from config)")
	dryRun := flag.Bool("dry-run", false, "send without marking published")
	loop := flag.Bool("loop", false, "poll continuously instead of one-shot")
	interval := flag.Duration("interval", 0, "poll interval in loop mode (defaults to config)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Errorf("open postgres: %v", err)
		os.Exit(1)
	}

	dispatcher := broker.NewDispatcher(cfg.Kafka.Brokers, 10*time.Second, log)
	defer dispatcher.Close()

	opts := outbox.Options{
		BatchSize:   cfg.Outbox.BatchSize,
		Interval:    cfg.Outbox.PollInterval(),
		DryRun:      *dryRun,
		TopicSuffix: cfg.Kafka.EventTopicSuffix,
	}
	if *batch > 0 {
		opts.BatchSize = *batch
	}
	if *interval > 0 {
		opts.Interval = *interval
	}
	pub := outbox.NewPublisher(outbox.NewStore(gdb), dispatcher, opts, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *loop {
		log.Infow("outbox publisher started", "batch", opts.BatchSize, "interval", opts.Interval, "dry_run", opts.DryRun)
		_ = pub.Run(ctx)
		log.Info("outbox publisher stopped")
		return
	}

	n, err := pub.RunOnce(ctx)
	if err != nil {
		log.Errorf("publish batch: %v", err)
		os.Exit(1)
	}
	if n == 0 {
		log.Info("no pending events")
	}
}
