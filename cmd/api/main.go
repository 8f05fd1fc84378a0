package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opsnotes/warden/internal/alerting"
	"github.com/opsnotes/warden/internal/api/routes"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/database"
	"github.com/opsnotes/warden/internal/geo"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/server"
	"github.com/opsnotes/warden/internal/services"
	"github.com/opsnotes/warden/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Log with rotation, teed to stdout for the container runtime.
	logDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "logs")
	_ = os.MkdirAll(logDir, 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "warden.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, rotator))

	log := logger.Log()
	log.Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	geoFilter, err := geo.NewFilter(cfg.Geo)
	if err != nil {
		log.WithError(err).Fatal("initialize geo filter")
	}
	if geoFilter != nil {
		defer geoFilter.Close()
		log.Info("geographic filtering enabled")
	}

	var emitter alerting.Emitter = alerting.LogEmitter{}
	if len(cfg.Alert.ShoutrrrURLs) > 0 {
		emitter = alerting.NewShoutrrrEmitter(cfg.Alert.ShoutrrrURLs)
	}
	deduped := alerting.NewDeduper(db, emitter,
		secondsToDuration(cfg.Alert.DedupCooldownSeconds))

	events := services.NewEventService(db)
	lists := services.NewIPListService(db)
	limiter := services.NewRateLimitService(db, lists, events, geoFilter, cfg.FailPolicy)
	ddos := services.NewDDoSService(db, lists, deduped, cfg.DDoS)
	abuse := services.NewAbuseService(db, lists, ddos, deduped, cfg.Abuse)
	admin := services.NewAdminService(db)

	// The engine owns no cadence; this binary does. Sweeps, DDoS windows
	// and abuse scans run on the scheduler, each call bounded by the store
	// timeout.
	scheduler := cron.New(cron.WithSeconds())
	mustSchedule(scheduler, "0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		if removed, err := lists.SweepExpired(ctx); err != nil {
			log.WithError(err).Warn("expiry sweep failed")
		} else if removed > 0 {
			log.WithField("removed", removed).Info("expiry sweep completed")
		}
	})
	mustSchedule(scheduler, fmt.Sprintf("*/%d * * * * *", cfg.DDoS.WindowSeconds), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		if _, err := ddos.Evaluate(ctx, services.ScopeGlobal); err != nil {
			log.WithError(err).Warn("ddos evaluation failed")
		}
	})
	mustSchedule(scheduler, "30 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		if _, err := abuse.Scan(ctx); err != nil {
			log.WithError(err).Warn("abuse scan failed")
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(cfg, routes.Deps{
		Config:  cfg,
		Limiter: limiter,
		Events:  events,
		Lists:   lists,
		DDoS:    ddos,
		Admin:   admin,
	})

	addr := fmt.Sprintf(":%s", cfg.HTTPPort)
	log.Infof("listening on %s", addr)
	if err := srv.Run(addr); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func mustSchedule(scheduler *cron.Cron, spec string, job func()) {
	if _, err := scheduler.AddFunc(spec, job); err != nil {
		logger.Log().WithError(err).Fatalf("schedule %q", spec)
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
