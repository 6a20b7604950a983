package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	v1 "go_fleet/agent/api/v1"
	"go_fleet/agent/config"
	"go_fleet/agent/engine"
	"go_fleet/agent/executor"
	"go_fleet/agent/identity"
	"go_fleet/agent/poller"
	"go_fleet/internal/agentclient"
	"go_fleet/internal/configsync"
)

const clientVersion = "1.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to an INI config file (environment variables take precedence)")
	pflag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.NewEntry(logrus.StandardLogger())

	layout := cfg.Layout()
	if err := layout.EnsureDirectories(); err != nil {
		logrus.Fatalf("Failed to prepare install root: %v", err)
	}

	machineID := cfg.MachineID
	if machineID == "" {
		if machineID, err = identity.MachineID(layout.MachineIDPath()); err != nil {
			logrus.Fatalf("Failed to derive machine id: %v", err)
		}
	}
	logger = logger.WithField("machine", machineID)

	// 2. Control plane client and update engine
	client, err := agentclient.New(cfg.ServerURL, cfg.AgentToken, cfg.HTTPTimeout)
	if err != nil {
		logrus.Fatalf("Failed to create server client: %v", err)
	}

	configs := configsync.NewEngine(logger)
	configs.AllowUnknownStrategy = cfg.AllowUnknownMergeStrategy

	eng := engine.New(engine.Config{
		Layout:      layout,
		Server:      client,
		Configs:     configs,
		Logger:      logger,
		UserName:    cfg.UserName,
		MachineName: cfg.MachineName,
	})

	// 3. Reclaim attempts a previous run left behind
	if restored, err := eng.Recover(context.Background()); err != nil {
		logger.Errorf("Startup recovery incomplete: %v", err)
	} else if len(restored) > 0 {
		logger.Warnf("Restored interrupted updates: %v", restored)
	}

	supervisor := poller.NewSupervisor(client, executor.New(eng, client, machineID, logger), poller.Config{
		MachineID:     machineID,
		MachineName:   cfg.MachineName,
		ClientVersion: clientVersion,
		Facts:         identity.Probe(),
		InstalledApps: func() []string {
			apps, err := eng.InstalledApps()
			if err != nil {
				logger.Warnf("Failed to list installed apps: %v", err)
			}
			return apps
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Local API
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		v1.SetupRouter(r, v1.Deps{
			Apps:      eng,
			MachineID: machineID,
			Busy:      supervisor.Busy,
			Hold:      supervisor.Hold,
		})
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: r}
		go func() {
			logger.Infof("Local API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Local API stopped: %v", err)
			}
		}()
	}

	// 5. Control loop until signalled
	if err := supervisor.Run(ctx); err != nil {
		logger.Errorf("Control loop failed: %v", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Info("Agent stopped")
}
