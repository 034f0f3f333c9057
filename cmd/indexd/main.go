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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/instance"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/router"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting index node",
		"node_id", cfg.Node.ID,
		"role", string(cfg.Node.Role),
		"indexes", cfg.Index.Names,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		metricsServer.Start()
		defer metricsServer.Shutdown(context.Background())
	}
	checker := health.NewChecker()

	// Backups
	var backups *backup.Manager
	if cfg.Backup.Root != "" {
		opts := backup.Options{Root: cfg.Backup.Root, Metrics: m, Tagger: replication.NewTagger()}
		if cfg.Postgres.Enabled {
			db, err := postgres.New(cfg.Postgres)
			if err != nil {
				slog.Error("failed to connect to postgres", "error", err)
				os.Exit(1)
			}
			defer db.Close()
			catalog, err := backup.NewPGCatalog(ctx, db)
			if err != nil {
				slog.Error("failed to prepare backup catalog", "error", err)
				os.Exit(1)
			}
			opts.Catalog = catalog
			checker.RegisterOptional("backup_catalog", health.Ping(catalog.Ping))
			slog.Info("backup catalog enabled", "database", cfg.Postgres.Database)
		}
		if cfg.Backup.Mirror {
			client, err := backup.NewMinioClient(ctx, cfg.ObjectStore)
			if err != nil {
				slog.Error("failed to connect to object store", "error", err)
				os.Exit(1)
			}
			opts.Mirror = backup.NewObjectMirror(client, cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix, opts.Tagger)
			slog.Info("backup mirror enabled", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
		}
		backups = backup.NewManager(opts)
	}

	// Commit notifications
	var notifier *notify.CommitNotifier
	if cfg.Kafka.Enabled && cfg.Node.Role == config.RoleMaster {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexCommitted)
		defer producer.Close()
		notifier = notify.NewCommitNotifier(producer)
		slog.Info("commit notifications enabled", "topic", cfg.Kafka.Topics.IndexCommitted)
	}

	// Replica status board
	var board *notify.StatusBoard
	if cfg.Redis.Enabled && cfg.Node.Role == config.RoleReplica {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, replication status board disabled", "error", err)
		} else {
			defer redisClient.Close()
			board = notify.NewStatusBoard(redisClient, cfg.Node.ID, cfg.Redis.StatusTTL)
			checker.RegisterOptional("status_board", health.Ping(redisClient.Ping))
		}
	}

	indexes, err := instance.NewManager(instance.ManagerOptions{
		DataDir:     cfg.Index.DataDir,
		Names:       cfg.Index.Names,
		Role:        cfg.Node.Role,
		Replication: cfg.Replication,
		Clients:     masterClients(cfg.Replication),
		Backups:     backups,
		Notifier:    notifier,
		Board:       board,
		Metrics:     m,
	})
	if err != nil {
		slog.Error("failed to open indexes", "error", err)
		os.Exit(1)
	}
	defer indexes.Close()

	checker.Register("indexes", func(ctx context.Context) health.ComponentHealth {
		names := indexes.Names()
		if len(names) == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no indexes open"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d indexes open", len(names))}
	})

	if cfg.Node.Role == config.RoleReplica && cfg.Replication.MasterURL != "" {
		trigger := func(ctx context.Context, index string) error {
			_, err := indexes.Replicate(ctx, index)
			return err
		}
		checker.RegisterOptional("master", health.Ping(masterProbe(cfg.Replication.MasterURL)))

		if cfg.Kafka.Enabled {
			listener := notify.NewListener(followRoutes(cfg), trigger)
			// Every replica must see every commit, so each node consumes in
			// its own group.
			consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexCommitted,
				cfg.Kafka.ConsumerGroup+"-"+cfg.Node.ID, listener.Handle)
			go func() {
				if err := consumer.Start(ctx); err != nil {
					slog.Error("commit consumer error", "error", err)
				}
			}()
			slog.Info("commit listener started", "topic", cfg.Kafka.Topics.IndexCommitted)
		}
		if cfg.Replication.PollInterval > 0 {
			poller := notify.NewPoller(indexes.Names(), cfg.Replication.PollInterval, resilience.RetryConfig{
				MaxAttempts:    3,
				InitialDelay:   time.Second,
				MaxDelay:       30 * time.Second,
				Multiplier:     2,
				JitterFraction: 0.1,
			}, trigger)
			go poller.Start(ctx)
			slog.Info("replication poller started", "interval", cfg.Replication.PollInterval)
		}
	}

	h := handler.New(indexes)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.New(h, router.Options{
			Health:  checker,
			Metrics: m,
			Timeout: cfg.Server.WriteTimeout,
		}),
		ReadTimeout: cfg.Server.ReadTimeout,
		// File streams and replication checks outlive WriteTimeout; control
		// routes are bounded by the router's Timeout middleware instead.
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("index node listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("index node stopped")
}

// masterIndex is the master index a local index follows.
func masterIndex(cfg config.ReplicationConfig, local string) string {
	if cfg.MasterIndex != "" {
		return cfg.MasterIndex
	}
	return local
}

func masterClients(cfg config.ReplicationConfig) instance.ClientFunc {
	if cfg.MasterURL == "" {
		return nil
	}
	return func(index string) replication.MasterClient {
		return replication.NewHTTPClient(cfg.MasterURL, masterIndex(cfg, index), replication.HTTPClientOptions{
			Timeout: cfg.RequestTimeout,
		})
	}
}

func followRoutes(cfg *config.Config) map[string][]string {
	routes := make(map[string][]string)
	for _, local := range cfg.Index.Names {
		master := masterIndex(cfg.Replication, local)
		routes[master] = append(routes[master], local)
	}
	return routes
}

func masterProbe(masterURL string) func(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, masterURL+"/health/live", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("master answered %d", resp.StatusCode)
		}
		return nil
	}
}
