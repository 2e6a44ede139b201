// Command dlqinspector starts the dead-letter consumer on operator demand.
// It is never started automatically by cmd/processor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"

	"github.com/streamlog/pipeline/engine/dlq"
	"github.com/streamlog/pipeline/pkg/config"
	"github.com/streamlog/pipeline/pkg/kafkabus"
	"github.com/streamlog/pipeline/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults apply otherwise)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dlqinspector: load config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("dlqinspector exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, err := kafkabus.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.InspectorGroup, kafkabus.NewConsumerConfig())
	if err != nil {
		return fmt.Errorf("dial consumer group: %w", err)
	}
	defer group.Close()

	go func() {
		for consumerErr := range group.Errors() {
			log.Warn("dlqinspector: consumer group error", "error", consumerErr)
		}
	}()

	log.Info("dlqinspector starting", "topic", dlq.Topic, "group", cfg.Kafka.InspectorGroup)

	err = dlq.Run(ctx, group, log)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
		return err
	}

	log.Info("dlqinspector shut down")
	return nil
}
