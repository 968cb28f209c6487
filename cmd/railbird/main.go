package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cardroom/railbird/internal/audit"
	"cardroom/railbird/internal/channels"
	"cardroom/railbird/internal/delivery"
	"cardroom/railbird/internal/handlers"
	"cardroom/railbird/internal/history"
	"cardroom/railbird/internal/metrics"
	"cardroom/railbird/internal/ratelimit"
	"cardroom/railbird/internal/store"
	"cardroom/railbird/internal/websocket"
	"cardroom/railbird/pkg/auth"
	"cardroom/railbird/pkg/clients/gameengine"
	"cardroom/railbird/pkg/clients/moderator"
	"cardroom/railbird/pkg/config"
	"cardroom/railbird/pkg/database"
	"cardroom/railbird/pkg/kafka"
	"cardroom/railbird/pkg/logging"
	"cardroom/railbird/pkg/middleware"
	"cardroom/railbird/pkg/monitoring"
	"cardroom/railbird/pkg/server"
	"cardroom/railbird/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("railbird")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Railbird (poker WebSocket gateway)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("railbird", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("railbird", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Required configuration
	jwtSecret := config.RequireEnv("JWT_SECRET")
	databaseURL := config.RequireEnv("DATABASE_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	moderatorURL := config.RequireEnv("MODERATOR_URL")
	gameEngineURL := config.RequireEnv("GAME_ENGINE_URL")
	brokers := strings.Split(config.RequireEnv("KAFKA_BROKERS"), ",")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "railbird-group")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "cardroom")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "railbird")
	environment := config.GetEnv("ENVIRONMENT", "development")

	// Postgres backs chat history replay; writes go through the moderator.
	dbConfig := database.DefaultConfig()
	dbConfig.URL = databaseURL
	db, err := database.Connect(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	chatStore := store.NewStore(db, logger)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
	err = chatStore.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.WithError(err).Fatal("Failed to verify chat schema")
	}

	// Setup Kafka consumer and the audit event producer
	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
	}
	defer consumer.Close()

	producer, err := kafka.NewKafkaProducer(brokers, clusterID, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Kafka producer")
	}
	defer producer.Close()

	consumer.WithDLQ(producer, kafka.TopicDeadLetter)
	auditSink := audit.NewPublisher(producer, "railbird", logger)

	// Upstream service clients
	moderatorClient := moderator.NewClient(moderator.Config{
		BaseURL:      moderatorURL,
		ServiceToken: serviceToken,
		Logger:       logger,
	})
	engineClient := gameengine.NewClient(gameengine.Config{
		BaseURL:      gameEngineURL,
		ServiceToken: serviceToken,
		Logger:       logger,
	})

	// Channel registry and per-channel rate limits
	channelConfigs := channels.DefaultChannels()
	channelManager := channels.NewManager(channelConfigs, 0)

	rateLimits := make(map[string]ratelimit.Config)
	for _, cc := range channelConfigs {
		if cc.RateLimitPerMinute > 0 {
			rateLimits[cc.Name] = ratelimit.Config{MaxTokens: cc.RateLimitPerMinute, Window: time.Minute}
		}
	}
	limiter := ratelimit.NewLimiter(rateLimits, limiterSink{audit: auditSink, metrics: serviceMetrics}, logger)

	// Initialize the WebSocket hub and its dispatch pipeline
	hub := websocket.NewHub(hubConfigFromEnv(), channelManager, history.NewLog(0, 0), auditSink, engineClient, logger)
	dispatcher := websocket.NewDispatcher(hub, moderatorClient, engineClient, chatStore, limiter, environment, logger)
	gateway := websocket.NewGateway(hub, dispatcher, auth.NewJWTVerifier([]byte(jwtSecret)), auditSink, logger)

	// Initialize handlers and bind Kafka topics
	railbirdHandlers := handlers.NewRailbirdHandlers(hub, gateway, consumer, serviceMetrics, logger)
	railbirdHandlers.RegisterConsumers()

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("websocket_hub", func() monitoring.CheckResult {
		stats := hub.Stats()
		if cfg := hub.Config(); cfg.MaxTotalConnections > 0 && stats.Connections >= cfg.MaxTotalConnections {
			return monitoring.CheckResult{
				Status:  monitoring.StatusDegraded,
				Message: fmt.Sprintf("Connection pool saturated: %d/%d", stats.Connections, cfg.MaxTotalConnections),
			}
		}
		return monitoring.CheckResult{
			Status:  monitoring.StatusHealthy,
			Message: fmt.Sprintf("%d connections across %d tables", stats.Connections, stats.Tables),
		}
	})
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS":   strings.Join(brokers, ","),
		"MODERATOR_URL":   moderatorURL,
		"GAME_ENGINE_URL": gameEngineURL,
	}))

	// Run the hub supervisor and the Kafka poll loop until shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(groupCtx) })
	g.Go(func() error { return consumer.Start(groupCtx) })
	g.Go(func() error {
		limiter.Start(groupCtx)
		return groupCtx.Err()
	})
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-ticker.C:
				serviceMetrics.ObserveHub(hub.Stats())
			}
		}
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "railbird", healthChecker, metricsCollector)

	// WebSocket entrypoint
	router.GET("/ws", railbirdHandlers.HandleWebSocket)

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	admin.Use(middleware.TimeoutMiddleware(10 * time.Second))
	admin.GET("/stats", railbirdHandlers.HandleStats)
	router.NoRoute(railbirdHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("railbird", "18009")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// HTTP is down; drain sockets, then stop the background loops.
	hub.Shutdown()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Background worker error")
	}
}

// limiterSink fans rate-limit denials out to the audit trail and the
// prometheus denial counter.
type limiterSink struct {
	audit   audit.Sink
	metrics *metrics.Metrics
}

func (s limiterSink) RateLimitExceeded(principalID, channel, tableID string, blocked uint64) {
	s.audit.RateLimitExceeded(principalID, channel, tableID, blocked)
	s.metrics.ObserveRateLimitDenial(channel)
}

// hubConfigFromEnv layers environment overrides onto the hub defaults.
func hubConfigFromEnv() websocket.Config {
	cfg := websocket.DefaultConfig()
	cfg.MaxConnectionsPerTable = config.GetEnvInt("MAX_CONNECTIONS_PER_TABLE", cfg.MaxConnectionsPerTable)
	cfg.MaxTotalConnections = config.GetEnvInt("MAX_TOTAL_CONNECTIONS", cfg.MaxTotalConnections)
	cfg.ConnectionTimeout = config.GetEnvDuration("CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	cfg.GracePeriod = config.GetEnvDuration("GRACE_PERIOD", cfg.GracePeriod)
	cfg.IdleTimeout = config.GetEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.HeartbeatInterval = config.GetEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.MaxReconnectAttempts = config.GetEnvInt("MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	cfg.ReconnectBackoff = config.GetEnvDuration("RECONNECT_BACKOFF", cfg.ReconnectBackoff)
	cfg.Delivery = deliveryConfigFromEnv()
	return cfg
}

func deliveryConfigFromEnv() delivery.Config {
	d := delivery.DefaultConfig()
	d.BatchWindow = time.Duration(config.GetEnvInt("BATCH_WINDOW_MS", int(d.BatchWindow/time.Millisecond))) * time.Millisecond
	d.MaxBatchSize = config.GetEnvInt("MAX_BATCH_SIZE", d.MaxBatchSize)
	d.EnableAdaptiveBatching = config.GetEnvBool("ENABLE_ADAPTIVE_BATCHING", d.EnableAdaptiveBatching)
	d.EnableDeduplication = config.GetEnvBool("ENABLE_DEDUPLICATION", d.EnableDeduplication)
	d.EnableCompression = config.GetEnvBool("ENABLE_BATCH_COMPRESSION", d.EnableCompression)
	d.CompressionLevel = config.GetEnvInt("COMPRESSION_LEVEL", d.CompressionLevel)
	d.CompressionThreshold = config.GetEnvInt("COMPRESSION_THRESHOLD", d.CompressionThreshold)
	return d
}
