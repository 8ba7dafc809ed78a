package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/graph"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/middlewares"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type routerDeps struct {
	cfg      config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	redis    *redis.Client
	engine   *workflow.Engine
	gatherer prometheus.Gatherer
}

func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	corsConfig := cors.DefaultConfig()
	if d.cfg.IsProduction() {
		corsConfig.AllowOrigins = utils.SplitAndTrim(d.cfg.CORSAllowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all until an allowlist is configured
			corsConfig.AllowOrigins = []string{"https://invalid.localhost"}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	r.Use(cors.New(corsConfig))

	if d.cfg.RateLimitEnabled && d.redis != nil {
		r.Use(NewRateLimiter(d.redis, d.cfg.RateLimitMaxRequests, d.cfg.RateLimitWindow).RateLimitMiddleware)
	}
	r.Use(customErrorLogger(d.logger))
	r.Use(gin.Recovery())

	r.POST("/pubsub", transitionPubSubHandler(d.engine, d.logger, d.cfg.PubSub.PushTokenHash))

	schema, err := graph.NewSchema(d.engine)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"field": "graphql"}).Fatal(err.Error())
	}

	api := r.Group("/", middlewares.AuthMiddleware([]byte(d.cfg.APISecret)), middlewares.SessionMiddleware())
	{
		api.POST("/query", middlewares.LoaderMiddleware(d.engine), gin.WrapH(graph.Handler(schema)))
		api.POST("/records/:entity/:id/transition", transitionHandler(d.engine))
		api.PATCH("/records/:entity/:id", updateFieldsHandler(d.engine))
		api.DELETE("/records/:entity/:id", deleteHandler(d.engine))
		api.POST("/records/:entity/:id/redispatch", redispatchHandler(d.engine))
		api.GET("/records/:entity/:id/activity", timelineHandler(d.engine))
		api.POST("/stock/:op", stockHandler(d.engine))
		api.POST("/invoices/:id/items", addInvoiceItemHandler(d.engine))
		api.POST("/payment-plans", createPaymentPlanHandler(d.engine))
		api.POST("/payment-plans/:id/payments", recordPaymentHandler(d.engine))
		api.POST("/activity", recordActivityHandler(d.engine))
	}
	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.APISecret == "" {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal("API_SECRET is required")
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.ConnectDatabaseWithRetry(sigCtx, cfg.Database, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !cfg.SkipMigration {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	rdb, locker, err := config.ConnectRedisWithRetry(sigCtx, cfg.Redis, 5, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("continuing without redis: " + err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := workflow.FromConfig(cfg, db, logger, m, locker)
	r := newRouter(routerDeps{cfg: cfg, logger: logger, db: db, redis: rdb, engine: engine, gatherer: reg})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"field": "http", "port": cfg.Port}).Info("server started")

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
	if rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"module": "server",
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// RateLimitMiddleware counts requests per client IP in a fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// redis down: serve rather than fail every request
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}
