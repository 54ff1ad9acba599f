package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/config"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/monitor"
	"github.com/mmdatafocus/clearance_backend/utils"
	"github.com/mmdatafocus/clearance_backend/workflow"
	"github.com/sirupsen/logrus"
)

// clearance-sweep runs one reconciliation sweep and one resubmission sweep,
// then exits. It is meant for Cloud Scheduler / cron when the service runs
// with CLEARANCE_SCHEDULER_ENABLED=false and CLEARANCE_SWEEPER_ENABLED=false.
func main() {
	skipPoll := flag.Bool("skip-poll", false, "Do not run the status reconciliation sweep")
	skipResubmit := flag.Bool("skip-resubmit", false, "Do not run the auto-resubmission sweep")
	connectTimeout := flag.Duration("connect-timeout", 2*time.Minute, "Give up connecting to MySQL/Redis after this long")
	flag.Parse()

	logger := config.GetLogger()
	settings, err := config.LoadEngineSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if settings.StoreDriver != "mysql" {
		fmt.Fprintln(os.Stderr, "clearance-sweep needs STORE_DRIVER=mysql")
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), *connectTimeout)
	defer cancel()
	if err := config.ConnectDatabaseWithRetry(connectCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	db := config.GetDB()
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if config.RedisEnabled() {
		if err := config.ConnectRedisWithRetry(connectCtx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer config.CloseRedis()
	}
	defer config.ClosePubSub()

	var notifiers []monitor.Notifier
	notifiers = append(notifiers, monitor.LogNotifier{Logger: logger})
	if topic := config.AlertTopic(); topic != "" {
		notifiers = append(notifiers, monitor.PubSubNotifier{Publisher: config.PubSubPublisher{Topic: topic}})
	}
	// A one-shot run only sees its own errors; thresholds still catch a burst inside it.
	mon := monitor.New(monitor.Options{Capacity: settings.MonitorHistory, Notifiers: notifiers, Logger: logger})

	var artifacts workflow.ArtifactStore
	if settings.StoreArtifactsInGCS {
		gcs := utils.NewGCSArtifactStore(settings.GCSBucket)
		defer gcs.Close()
		artifacts = gcs
	}

	store := models.NewGormStore(db)
	engine := workflow.NewEngine(settings, workflow.EngineDeps{
		Store:     store,
		Tenants:   store,
		Clients:   workflow.FromPool(authority.NewPool(settings, logger)),
		Reporter:  mon,
		Artifacts: artifacts,
		Redis:     config.GetRedisDB(),
		Locker:    config.GetRedisLock(),
		Logger:    logger,
	})

	ctx := utils.WithoutTenantScope(context.Background())
	out := map[string]any{}
	if !*skipPoll {
		out["reconciliation"] = engine.Scheduler.SweepOnce(ctx)
	}
	if !*skipResubmit {
		out["resubmission"] = engine.Sweeper.SweepOnce(ctx)
	}
	mon.Wait()
	out["active_alerts"] = len(mon.ListActiveAlerts())

	logger.WithFields(logrus.Fields{"field": "clearance-sweep"}).Info("sweep run finished")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
