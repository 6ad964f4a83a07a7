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

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/fleet-console/pkg/api/handlers"
	"github.com/wso2/api-platform/fleet-console/pkg/api/middleware"
	"github.com/wso2/api-platform/fleet-console/pkg/backoff"
	"github.com/wso2/api-platform/fleet-console/pkg/config"
	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/logger"
	"github.com/wso2/api-platform/fleet-console/pkg/metrics"
	"github.com/wso2/api-platform/fleet-console/pkg/orchestrator"
	"github.com/wso2/api-platform/fleet-console/pkg/queue"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
	"github.com/wso2/api-platform/fleet-console/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.toml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fc := &cfg.FleetConsole

	// Initialize logger with config
	log, err := logger.NewLogger(logger.Config{
		Level:  fc.Logging.Level,
		Format: fc.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Fleet-Console",
		zap.String("config_file", *configPath),
		zap.String("storage_type", fc.Storage.Type),
		zap.String("control_plane_host", fc.ControlPlane.Host),
		zap.String("channel", fc.ControlPlane.Channel),
		zap.Bool("control_plane_token_configured", fc.ControlPlane.Token != ""),
	)

	// Initialize the durable store based on type
	var db storage.Store
	switch fc.Storage.Type {
	case "bolt":
		log.Info("Initializing bbolt storage", zap.String("path", fc.Storage.Bolt.Path))
		db, err = storage.NewBBoltStore(fc.Storage.Bolt.Path)
		if err != nil {
			log.Fatal("Failed to initialize bbolt database", zap.Error(err))
		}
	case "sqlite":
		log.Info("Initializing SQLite storage", zap.String("path", fc.Storage.SQLite.Path))
		db, err = storage.NewSQLiteStore(fc.Storage.SQLite.Path, log)
		if err != nil {
			if storage.IsDatabaseLockedError(err) {
				log.Fatal("Database is locked by another process",
					zap.String("database_path", fc.Storage.SQLite.Path),
					zap.String("troubleshooting", "Check if another fleet-console instance is running or remove stale WAL files"))
			}
			log.Fatal("Failed to initialize SQLite database", zap.Error(err))
		}
	case "memory":
		log.Info("Running in memory-only mode (queued writes will not survive a restart)")
		db = storage.NewMemoryStore()
	default:
		log.Fatal("Unknown storage type", zap.String("type", fc.Storage.Type))
	}
	defer db.Close()

	// Start metrics server if enabled
	var metricsServer *metrics.Server
	if fc.Metrics.Enabled {
		metricsServer = metrics.NewServer(fc.Metrics.Port, log)
		if err := metricsServer.Start(); err != nil {
			log.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	baseURL := fmt.Sprintf("https://%s/api/console/v1", fc.ControlPlane.Host)

	// Open the offline mutation queue; anything left over from the previous
	// run is picked up here
	queueStore, err := queue.NewStore(db)
	if err != nil {
		log.Fatal("Failed to open mutation queue store", zap.Error(err))
	}
	deliverer := queue.NewHTTPDeliverer(queue.HTTPDelivererConfig{
		BaseURL:            baseURL,
		Token:              fc.ControlPlane.Token,
		InsecureSkipVerify: fc.ControlPlane.InsecureSkipVerify,
		Timeout:            fc.Queue.DeliveryTimeout,
	})
	mutationQueue, err := queue.NewQueue(queue.Config{
		Cap:             fc.Queue.Cap,
		MaxAge:          fc.Queue.MaxAge,
		DeliveryTimeout: fc.Queue.DeliveryTimeout,
	}, queueStore, deliverer, log)
	if err != nil {
		log.Fatal("Failed to open mutation queue", zap.Error(err))
	}

	// Wire the stream connection for the configured channel
	retryPolicy := backoff.NewPolicy()
	retryPolicy.Initial = fc.ControlPlane.ReconnectInitial
	retryPolicy.Max = fc.ControlPlane.ReconnectMax

	sub := connection.Subscription{
		Channel:           fc.ControlPlane.Channel,
		KeepaliveInterval: fc.ControlPlane.KeepaliveInterval,
		ConnectTimeout:    fc.ControlPlane.ConnectTimeout,
		MaxFailures:       fc.ControlPlane.MaxFailures,
		Backoff:           retryPolicy,
	}
	dialer := connection.NewWebSocketDialer(connection.WebSocketDialerConfig{
		Host:               fc.ControlPlane.Host,
		Token:              fc.ControlPlane.Token,
		InsecureSkipVerify: fc.ControlPlane.InsecureSkipVerify,
	})
	manager := connection.NewManager(sub, dialer, log)

	// Wire the transport selector with its poll fallback
	fetcher := transport.NewHTTPFetcher(transport.HTTPFetcherConfig{
		BaseURL:            baseURL,
		Token:              fc.ControlPlane.Token,
		InsecureSkipVerify: fc.ControlPlane.InsecureSkipVerify,
		Timeout:            fc.Transport.PollInterval,
	})
	snapshotCache := transport.NewSnapshotCache(db)
	selector := transport.NewSelector(transport.Config{
		PollInterval:           fc.Transport.PollInterval,
		StreamRecoveryInterval: fc.Transport.StreamRecoveryInterval,
	}, manager, fetcher, snapshotCache, log)

	// Start the orchestrator that couples connectivity to queue draining
	orch := orchestrator.New(selector, mutationQueue, log)
	if fc.ControlPlane.Token != "" {
		if err := orch.Start(); err != nil {
			log.Fatal("Failed to start sync orchestrator", zap.Error(err))
		}
	} else {
		// No session token yet: stay offline-only, writes just accumulate
		log.Info("Control plane token not configured, running offline-only")
	}

	// Initialize Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// CorrelationIDMiddleware must come first so the correlation ID is
	// available to subsequent middleware and handlers
	router.Use(middleware.CorrelationIDMiddleware(log))
	router.Use(middleware.ErrorHandlingMiddleware(log))
	router.Use(middleware.LoggingMiddleware(log))
	if fc.Metrics.Enabled {
		router.Use(middleware.MetricsMiddleware())
	}
	router.Use(gin.Recovery())

	apiServer := handlers.NewServer(orch, log)
	apiServer.RegisterRoutes(router)

	log.Info("Starting status API server", zap.Int("port", fc.Server.APIPort))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", fc.Server.APIPort),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start status API server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Fleet-Console")

	ctx, cancel := context.WithTimeout(context.Background(), fc.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new writes, then stop the sync machinery
	mutationQueue.Close()
	if fc.ControlPlane.Token != "" {
		orch.Stop()
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if metricsServer != nil {
		shutdownCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("Metrics server forced to shutdown", zap.Error(err))
		}
		cancelMetrics()
	}

	log.Info("Fleet-Console stopped")
}
