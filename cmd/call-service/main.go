package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	intDatabase "wavelink-backend/internal/database"
	callHandler "wavelink-backend/internal/handler/http/call"
	wsHandler "wavelink-backend/internal/handler/ws"
	"wavelink-backend/internal/middleware"
	"wavelink-backend/internal/repository/cassandra"
	"wavelink-backend/internal/repository/cockroach"
	"wavelink-backend/internal/repository/memory"
	redisRepo "wavelink-backend/internal/repository/redis"
	callService "wavelink-backend/internal/service/call"
	pkgDatabase "wavelink-backend/pkg/database"
	"wavelink-backend/pkg/env"
	"wavelink-backend/pkg/jwt"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()

	logger.InitDefault()
	defer logger.Sync()

	// 1. JWT manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute)

	productionMode := os.Getenv("ENV") == "production"

	// 2. CockroachDB for call and conversation rows, with retry backoff
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "wavelink"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}
	db := connectCockroach(ctx, dbConfig)

	// 3. Cassandra for the signal mailboxes
	cassConfig := &pkgDatabase.CassandraConfig{
		Hosts:    strings.Split(env.GetString("CASSANDRA_HOSTS", "localhost"), ","),
		Keyspace: env.GetString("CASSANDRA_KEYSPACE", "wavelink"),
		Username: env.GetString("CASSANDRA_USER", ""),
		Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
		Timeout:  10 * time.Second,
	}
	cass, err := pkgDatabase.NewCassandraDB(cassConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Cassandra: %v", err)
	} else {
		log.Println("Connected to Cassandra")
		defer cass.Close()
	}

	// 4. Redis for signal stream wake-ups, degraded mode tolerated
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}
	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("Connected to Redis")
		defer redisDB.Close()
		go redisDB.StartHealthCheck(ctx, 10*time.Second)
	}

	// 5. Repositories. Missing stores fall back to in-memory repositories:
	// a single-node mode for development, refused in production.
	var (
		callRepo         callService.CallRepository
		conversationRepo callService.ConversationRepository
		signalRepo       callService.SignalRepository
	)
	if db != nil {
		defer db.Close()
		callRepo = cockroach.NewCallRepository(db.Pool)
		conversationRepo = cockroach.NewConversationRepository(db.Pool)
	} else {
		if productionMode {
			log.Fatal("CockroachDB is required in production mode")
		}
		log.Println("Using in-memory call and conversation repositories")
		callRepo = memory.NewInMemoryCallRepository()
		conversationRepo = memory.NewInMemoryConversationRepository()
	}
	if cass != nil {
		signalRepo = cassandra.NewSignalRepository(cass.Session)
	} else {
		if productionMode {
			log.Fatal("Cassandra is required in production mode")
		}
		log.Println("Using in-memory signal repository")
		signalRepo = memory.NewInMemorySignalRepository()
	}

	var notifier *redisRepo.SignalNotifier
	if redisDB != nil {
		notifier = redisRepo.NewSignalNotifier(redisDB)
	}

	// 6. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Registry service and handlers
	var notifierIface callService.SignalNotifier
	if notifier != nil {
		notifierIface = notifier
	}
	callSvc := callService.NewService(callRepo, signalRepo, conversationRepo, notifierIface, appMetrics)
	callHdlr := callHandler.NewHandler(callSvc)
	signalHub := wsHandler.NewSignalHub(callSvc, notifier, appMetrics)

	// 8. Router
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(corsOrigins(productionMode)))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.POST("/start", callHdlr.StartCall)
		v1.POST("/:id/accept", callHdlr.AcceptCall)
		v1.POST("/:id/end", callHdlr.EndCall)
		v1.POST("/:id/signals", callHdlr.SendSignal)
		v1.GET("/active", callHdlr.GetActiveCall)
		v1.GET("/:id/signals", callHdlr.GetSignals)

		// Live signal stream
		v1.GET("/ws/signals", signalHub.ServeWS)
	}

	// 9. Serve
	port := env.GetString("PORT", "8084")
	addr := fmt.Sprintf(":%s", port)

	log.Printf("Call Service starting on port %s", port)
	log.Println("Signal stream: /v1/calls/ws/signals")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectCockroach dials CockroachDB with exponential backoff. Returns nil
// after the final attempt fails.
func connectCockroach(ctx context.Context, config *pkgDatabase.CockroachConfig) *pkgDatabase.CockroachDB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, config)
	if err == nil {
		log.Println("Connected to CockroachDB")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)

		db, err = pkgDatabase.NewCockroachDB(ctx, config)
		if err == nil {
			log.Printf("Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
			return db
		}
	}

	log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	return nil
}

func corsOrigins(productionMode bool) []string {
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return origins
	}
	if productionMode {
		return []string{"https://app.wavelink.chat"}
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}
