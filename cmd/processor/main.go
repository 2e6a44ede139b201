// Command processor runs the ingestion side of the log aggregation
// pipeline: a logs-topic Producer (opened and closed with the process,
// not sent through by this binary), the BatchConsumer
// group that drains the logs topic into the relational and search stores,
// the DLQ error handler, and the admin HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/streamlog/pipeline/engine/admin"
	"github.com/streamlog/pipeline/engine/consumer"
	"github.com/streamlog/pipeline/engine/dlq"
	"github.com/streamlog/pipeline/engine/ingest"
	"github.com/streamlog/pipeline/engine/metrics"
	"github.com/streamlog/pipeline/engine/producer"
	"github.com/streamlog/pipeline/engine/search"
	"github.com/streamlog/pipeline/pkg/config"
	"github.com/streamlog/pipeline/pkg/esstore"
	"github.com/streamlog/pipeline/pkg/kafkabus"
	"github.com/streamlog/pipeline/pkg/logging"
	"github.com/streamlog/pipeline/pkg/pgstore"
	"github.com/streamlog/pipeline/pkg/rediscache"
	"github.com/streamlog/pipeline/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults apply otherwise)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "processor: load config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("processor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pgstore.Migrate(cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	pgPool, err := pgstore.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	esClient, err := esstore.Connect(cfg.Elastic.Addresses, cfg.Elastic.Username, cfg.Elastic.Password)
	if err != nil {
		return fmt.Errorf("connect elasticsearch: %w", err)
	}

	redisClient := rediscache.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()

	relational := pgstore.New(pgPool, resilience.NewBreaker(resilience.DefaultBreakerOpts))
	searchStore := esstore.New(esClient, cfg.Elastic.Index, resilience.NewBreaker(resilience.DefaultBreakerOpts))
	cache := rediscache.New(redisClient, resilience.NewBreaker(resilience.DefaultBreakerOpts))

	pipeline := ingest.NewPipeline(relational, searchStore, log)

	searchService := search.NewService(searchStore, cfg.Search.AggregationSampleSize, log)
	cachedSearch := search.NewCachedSearch(searchService, cache, log)

	dlqProducerConn, err := kafkabus.NewAsyncProducer(cfg.Kafka.Brokers, kafkabus.NewProducerConfig())
	if err != nil {
		return fmt.Errorf("dial dlq producer: %w", err)
	}
	dlqHandler := dlq.NewErrorHandler(dlqProducerConn, log)

	batchConsumer := consumer.New(pipeline, dlqHandler, log)

	consumerGroup, err := kafkabus.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, kafkabus.NewConsumerConfig())
	if err != nil {
		return fmt.Errorf("dial consumer group: %w", err)
	}

	logsProducerConn, err := kafkabus.NewAsyncProducer(cfg.Kafka.Brokers, kafkabus.NewProducerConfig())
	if err != nil {
		return fmt.Errorf("dial logs producer: %w", err)
	}
	logsProducer := producer.New(logsProducerConn, log)

	clusterAdmin, err := sarama.NewClusterAdmin(cfg.Kafka.Brokers, kafkabus.NewProducerConfig())
	if err != nil {
		return fmt.Errorf("dial cluster admin: %w", err)
	}

	adminRouter := admin.New(
		metrics.CurrentSnapshot,
		cachedSearch.SearchWithCache,
		dlq.Topic,
		cfg.HTTP.CORSOrigin,
		log,
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      adminRouter.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health := metrics.ProbeBus(ctx, clusterAdmin)
				if health.Status != metrics.BusStatusUp {
					log.Warn("processor: bus health probe degraded", "status", health.Status, "error", health.Message)
				} else {
					log.Debug("processor: bus health probe ok", "nodeCount", health.NodeCount)
				}
			}
		}
	}()

	go func() {
		log.Info("processor: consumer group joining", "topic", consumer.Topic, "group", cfg.Kafka.ConsumerGroup)
		for {
			if err := consumerGroup.Consume(ctx, []string{consumer.Topic}, batchConsumer); err != nil {
				errCh <- fmt.Errorf("consumer group: %w", err)
				return
			}
			if ctx.Err() != nil {
				errCh <- nil
				return
			}
		}
	}()

	go func() {
		log.Info("processor: admin server starting", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
		}
	case <-ctx.Done():
		log.Info("processor: shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := httpServer.Shutdown(shutCtx); err != nil {
		shutdownErr = fmt.Errorf("admin server shutdown: %w", err)
	}
	if err := consumerGroup.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("consumer group close: %w", err)
	}
	if err := logsProducer.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("logs producer close: %w", err)
	}
	if err := dlqProducerConn.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("dlq producer close: %w", err)
	}
	if err := clusterAdmin.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("cluster admin close: %w", err)
	}

	log.Info("processor: shut down")
	return shutdownErr
}
