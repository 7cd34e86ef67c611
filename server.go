package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/metrics"
	"github.com/mmdatafocus/recoveries_backend/middlewares"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

const apiPrefix = "/api/recoveries"

type apiDeps struct {
	handlers *handlers
	identity models.IdentityProvider
	sessions *config.RedisStore
	limiter  *middlewares.RateLimiter
	metrics  *metrics.Metrics
}

// newAPI builds the engine serving apiPrefix. Every route requires an
// authenticated, known actor.
func newAPI(d apiDeps) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.MetricsMiddleware(d.metrics))
	r.Use(customErrorLogger(config.GetLogger()))
	r.Use(gin.Recovery())

	g := r.Group(apiPrefix,
		middlewares.AuthMiddleware(),
		middlewares.SessionMiddleware(d.sessions),
		d.limiter.Middleware(),
		middlewares.ActorMiddleware(d.identity),
	)
	d.handlers.register(g)
	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// Production requires an explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			cfg.AllowOrigins = []string{}
		} else {
			cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "x-correlation-id")
	cfg.AllowCredentials = true
	return cfg
}

// rateLimiterFromEnv returns nil unless RATE_LIMIT_ENABLED=true.
// Env: RATE_LIMIT_WINDOW_SECONDS (default 60), RATE_LIMIT_MAX_REQUESTS (default 600).
func rateLimiterFromEnv(store *config.RedisStore) *middlewares.RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return middlewares.NewRateLimiter(store.Client(), limit, time.Duration(windowSec)*time.Second)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The port opens before dependencies are ready; API requests get 503
	// until the API engine is published.
	var api atomic.Pointer[gin.Engine]

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(corsConfig()))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Any(apiPrefix+"/*path", func(c *gin.Context) {
		engine := api.Load()
		if engine == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		engine.ServeHTTP(c.Writer, c.Request)
	})
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	db := config.ConnectDatabaseWithRetry()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can block tables; SKIP_MIGRATIONS=true leaves it to a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if err := models.InstallGuards(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}

	redisStore := config.ConnectRedisWithRetry(sigCtx)
	defer redisStore.Close()

	var publisher models.AuditPublisher
	pubsubPublisher, err := config.NewAuditPublisher(sigCtx)
	if err != nil {
		config.LogError(logger, "server.go", "main", "audit publisher disabled", nil, err)
	} else if pubsubPublisher != nil {
		publisher = pubsubPublisher
		defer pubsubPublisher.Close()
	}

	var blobs models.BlobStore
	if utils.GetStorageProvider() == utils.StorageProviderGCS {
		gcs, err := utils.NewGCSBlobStore(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "storage"}).Fatal(err.Error())
		}
		blobs = gcs
		defer gcs.Close()
	}

	flags := config.FeatureFlagsFromEnv()
	m := metrics.New(prometheus.DefaultRegisterer)
	docs := models.NewDocumentStore(blobs, flags)
	directory := models.NewUserDirectory(db)

	api.Store(newAPI(apiDeps{
		handlers: &handlers{
			recoveries: models.NewRecoveryManager(db, directory, docs, publisher, m, flags),
			journals:   models.NewJournalManager(db, directory, docs, redisStore, publisher, m, flags),
			categories: models.NewItemCategoryReader(db),
		},
		identity: models.NewCachedIdentityProvider(directory, redisStore, utils.GetCacheLifespan()),
		sessions: redisStore,
		limiter:  rateLimiterFromEnv(redisStore),
		metrics:  m,
	}))

	logger.WithFields(logrus.Fields{"info": "Connection Established"}).Info("serving ", apiPrefix, " on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
