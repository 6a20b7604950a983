package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	v1 "go_fleet/api/v1"
	"go_fleet/api/v1/tasks"
	"go_fleet/internal/auth"
	"go_fleet/internal/cache"
	"go_fleet/internal/config"
	"go_fleet/internal/db"
	"go_fleet/internal/installlog"
	"go_fleet/internal/liveness"
	"go_fleet/internal/release"
	"go_fleet/internal/scheduler"
	"go_fleet/internal/ws"
)

// fleetStats answers request:stats on the operator feed
type fleetStats struct {
	tasks    *scheduler.Store
	machines *liveness.Tracker
}

func (s fleetStats) Snapshot() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	taskStats, err := s.tasks.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	machineStats, err := s.machines.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{"tasks": taskStats, "machines": machineStats}, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to an INI config file (environment variables take precedence)")
	pflag.Parse()

	// 1. Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromINI(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.NewEntry(logrus.StandardLogger())
	logger.Info("Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		logrus.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.DB); err != nil {
			logrus.Fatalf("Failed to migrate database: %v", err)
		}
		logger.Info("Database migrated")
	}

	// 3. Initialize Redis, used to serialize task pickups per machine
	var guard tasks.PollGuard
	if cfg.Redis.Enabled {
		if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			logrus.Fatalf("Failed to initialize Redis: %v", err)
		}
		defer cache.Close()
		guard = cache.NewPollLock(cache.Client, time.Duration(cfg.Scheduler.PollLockTTLSec)*time.Second)
	} else {
		logger.Warn("Redis disabled, task pickups are not serialized across server instances")
	}

	// 4. Domain services
	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	machines := liveness.NewTracker(db.DB, liveness.Config{
		Threshold: time.Duration(cfg.Liveness.ThresholdSec) * time.Second,
		Logger:    logger,
	})

	var (
		wsServer *ws.Server
		events   scheduler.EventPublisher
		stats    = &fleetStats{machines: machines}
	)
	if cfg.WSEnabled {
		wsServer = ws.NewServer(stats, logger)
		events = ws.NewTaskEventPublisher(wsServer)
	}

	store := scheduler.NewStore(db.DB, scheduler.Config{
		Backoff:           time.Duration(cfg.Scheduler.RetryBackoffMinutes) * time.Minute,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		Events:            events,
		Logger:            logger,
	})
	stats.tasks = store

	// 5. Background workers
	if cfg.Scheduler.RetryWorkerEnabled {
		worker := scheduler.NewRetryWorker(&scheduler.WorkerConfig{
			Store:       store,
			Logger:      logger,
			IntervalSec: cfg.Scheduler.RetryWorkerIntervalSec,
		})
		worker.Start()
		defer worker.Stop()
	}
	if cfg.Liveness.SweepEnabled {
		sweeper := liveness.NewOfflineSweeper(&liveness.SweeperConfig{
			Tracker:     machines,
			Logger:      logger,
			IntervalSec: cfg.Liveness.SweepIntervalSec,
		})
		sweeper.Start()
		defer sweeper.Stop()
	}

	// 6. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, v1.Deps{
		Verifier:      verifier,
		AgentToken:    cfg.AgentToken,
		Tasks:         store,
		Machines:      machines,
		Releases:      release.NewCatalog(db.DB, cfg.PackageDir, logger),
		Installations: installlog.NewStore(db.DB, logger),
		PollGuard:     guard,
	})

	if wsServer != nil {
		wsServer.Start()
		defer wsServer.Close()
		h := gin.WrapH(wsServer.WrapWithAuth(verifier))
		r.GET("/socket.io/*any", h)
		r.POST("/socket.io/*any", h)
		logger.Info("Socket.IO feed enabled at /socket.io/")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
}
