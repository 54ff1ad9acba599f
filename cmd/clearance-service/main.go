package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/config"
	"github.com/mmdatafocus/clearance_backend/handlers"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/monitor"
	"github.com/mmdatafocus/clearance_backend/utils"
	"github.com/mmdatafocus/clearance_backend/workflow"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownGrace   = 15 * time.Second
	monitorPruneDue = time.Hour
)

func main() {
	logger := config.GetLogger()

	settings, err := config.LoadEngineSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var ready atomic.Bool
	api := &handlers.Server{Logger: logger, DefaultEnvironment: string(models.AuthorityEnvironmentSandbox)}

	r := gin.New()
	r.Use(handlers.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(func(c *gin.Context) {
		if !ready.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
			return
		}
		c.Next()
	})
	r.Use(cors.New(corsConfig()))
	r.Use(handlers.RequestLogger(logger))
	r.Use(gin.Recovery())
	api.Register(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	store, tenants, closeStore := openStore(sigCtx, settings, logger)
	defer closeStore()

	if config.RedisEnabled() {
		if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "redis"}).Error(err)
			return
		}
		defer config.CloseRedis()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS=off; sequencing and leases are process-local")
	}
	defer config.ClosePubSub()

	mon := monitor.New(monitor.Options{
		Capacity:  settings.MonitorHistory,
		Notifiers: alertNotifiers(logger),
		Logger:    logger,
		Disabled:  !config.MonitoringEnabled(),
	})

	var artifacts workflow.ArtifactStore
	if settings.StoreArtifactsInGCS {
		gcs := utils.NewGCSArtifactStore(settings.GCSBucket)
		defer gcs.Close()
		artifacts = gcs
	}

	pool := authority.NewPool(settings, logger)
	engine := workflow.NewEngine(settings, workflow.EngineDeps{
		Store:     store,
		Tenants:   tenants,
		Clients:   workflow.FromPool(pool),
		Reporter:  mon,
		Artifacts: artifacts,
		Redis:     config.GetRedisDB(),
		Locker:    config.GetRedisLock(),
		Logger:    logger,
	})

	api.Store = store
	api.Intake = engine.Intake
	api.Orchestrator = engine.Orchestrator
	api.Scheduler = engine.Scheduler
	api.Sweeper = engine.Sweeper
	api.Identifiers = engine.Identifiers
	api.Monitor = mon
	api.Health = func(ctx context.Context, environment string) authority.Health {
		return pool.HealthClient(environment).HealthCheck(ctx)
	}
	ready.Store(true)
	logger.WithFields(logrus.Fields{"field": "server", "port": settings.Port, "store": settings.StoreDriver}).Info("clearance service ready")

	// Loops stop taking new work when sigCtx is done; a Submit already in
	// flight runs on a detached context and persists its own outcome.
	g, loopCtx := errgroup.WithContext(sigCtx)
	if config.SchedulerEnabled() {
		g.Go(func() error {
			engine.Scheduler.Run(loopCtx)
			return nil
		})
	}
	if config.SweeperEnabled() {
		g.Go(func() error {
			engine.Sweeper.Run(loopCtx)
			return nil
		})
	}
	g.Go(func() error {
		pruneMonitor(loopCtx, mon, settings.MonitorRetain, logger)
		return nil
	})

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
		stopSignals()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = g.Wait()
	mon.Wait()
	logger.WithFields(logrus.Fields{"field": "server"}).Info("clearance service stopped")
}

// openStore connects the configured document store. STORE_DRIVER=memory keeps
// everything in process, for local runs against the sandbox.
func openStore(ctx context.Context, settings config.EngineSettings, logger *logrus.Logger) (models.DocumentStore, models.TenantStore, func()) {
	if settings.StoreDriver == "memory" {
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; documents are not persisted")
		mem := models.NewMemoryStore()
		return mem, mem, func() {}
	}

	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	db := config.GetDB()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	gs := models.NewGormStore(db)
	return gs, gs, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func alertNotifiers(logger *logrus.Logger) []monitor.Notifier {
	notifiers := []monitor.Notifier{monitor.LogNotifier{Logger: logger}}
	if topic := config.AlertTopic(); topic != "" {
		notifiers = append(notifiers, monitor.PubSubNotifier{Publisher: config.PubSubPublisher{Topic: topic}})
	}
	return notifiers
}

func pruneMonitor(ctx context.Context, mon *monitor.Monitor, keep time.Duration, logger *logrus.Logger) {
	t := time.NewTicker(monitorPruneDue)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := mon.ClearOldData(keep); n > 0 {
				logger.WithFields(logrus.Fields{"field": "ErrorMonitor", "dropped": n}).Info("pruned error history")
			}
		}
	}
}

func corsConfig() cors.Config {
	c := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		c.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(c.AllowOrigins) == 0 {
			// no browser callers in production unless listed
			c.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		c.AllowAllOrigins = true
	}
	c.AddAllowMethods("GET", "POST", "OPTIONS")
	c.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-tenant-id", "x-correlation-id")
	c.AddExposeHeaders("Content-Length", "x-correlation-id")
	return c
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
