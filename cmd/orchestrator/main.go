package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"

	v1 "go_orchestrator/api/v1"
	"go_orchestrator/internal/auth"
	"go_orchestrator/internal/cache"
	"go_orchestrator/internal/chatsession"
	"go_orchestrator/internal/config"
	"go_orchestrator/internal/db"
	"go_orchestrator/internal/logging"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
	"go_orchestrator/internal/nodecleanup"
	"go_orchestrator/internal/nodehealth"
	"go_orchestrator/internal/nodelifecycle"
	"go_orchestrator/internal/nodeselect"
	"go_orchestrator/internal/provisioner"
	"go_orchestrator/internal/queue"
	"go_orchestrator/internal/recovery"
	"go_orchestrator/internal/taskrun"
	"go_orchestrator/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to INI config file (environment variables still override)")
	flag.Parse()

	// 1. Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromINI(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log := logrus.NewEntry(logger)
	log.Info("Configuration loaded")
	for _, w := range cfg.CleanupOrderingWarnings() {
		log.Warn(w)
	}

	// 2. Initialize MySQL
	gdb, err := db.InitMySQL(cfg.MySQL.DSN, db.Options{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Info("Database migrated")
	}

	// 3. Initialize Redis
	rdb, err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer cache.Close()

	hostname, _ := os.Hostname()
	locker := cache.NewRedisLocker(rdb, hostname+"-"+uuid.NewString()[:8])

	// 4. Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)
	callbackIssuer := auth.NewCallbackIssuer(cfg.JWT.Issuer, time.Duration(cfg.JWT.CallbackTTLMinutes)*time.Minute)

	// 5. Node agent client, mTLS when configured
	var agentHTTP *http.Client
	agentScheme := "http"
	if cfg.MTLS.Enabled {
		agentHTTP, err = nodeagent.NewMTLSHTTPClient(cfg.MTLS.CACert, cfg.MTLS.ClientCert, cfg.MTLS.ClientKey, 60*time.Second)
		if err != nil {
			log.Fatalf("Failed to create mTLS client: %v", err)
		}
		agentScheme = "https"
	} else {
		log.Warn("mTLS disabled, node agents are called over plain HTTP")
	}
	agent := nodeagent.NewClient(agentHTTP, agentScheme)

	prov := provisioner.NewClient(cfg.Provider.BaseURL, cfg.Provider.Token, config.Seconds(cfg.Provider.TimeoutSec), agent)

	// 6. Node lifecycle
	lifecycleStore := nodelifecycle.NewGormStore(gdb)
	lifecycle := nodelifecycle.NewManager(&nodelifecycle.Config{
		Store:       lifecycleStore,
		Mirror:      lifecycleStore,
		Deleter:     nodecleanup.NewResourceDeleter(gdb, prov, log),
		Logger:      log,
		WarmTimeout: config.Seconds(cfg.Lifecycle.WarmTimeoutSec),
	})
	defer lifecycle.Close()

	// 7. Socket.IO hub, task engine and service
	taskQueue := queue.NewRedisQueue(rdb, cfg.Engine.QueueKey)
	selector := nodeselect.NewSelector(nodeselect.NewGormReader(gdb), lifecycle, nodeselect.Config{
		MaxWorkspacesPerNode: cfg.Selector.MaxWorkspacesPerNode,
		CPUThresholdPercent:  cfg.Selector.CPUThresholdPercent,
		MemThresholdPercent:  cfg.Selector.MemThresholdPercent,
	}, log)

	deps := taskrun.Deps{
		DB:          gdb,
		Selector:    selector,
		Provisioner: prov,
		Agent:       agent,
		Lifecycle:   lifecycle,
		Tokens:      callbackIssuer,
		Logger:      log,
	}
	if cfg.Chat.BaseURL != "" {
		deps.Chat = chatsession.NewClient(cfg.Chat.BaseURL, config.Seconds(cfg.Chat.TimeoutSec))
	}
	engine := taskrun.NewEngine(deps, taskrun.Config{
		ProvisionTimeout:       config.Seconds(cfg.Engine.ProvisionTimeoutSec),
		NodeAgentReadyTimeout:  config.Seconds(cfg.Engine.NodeAgentReadyTimeoutSec),
		WorkspaceCreateTimeout: config.Seconds(cfg.Engine.WorkspaceCreateTimeoutSec),
		WorkspaceReadyTimeout:  config.Seconds(cfg.Engine.WorkspaceReadyTimeoutSec),
		AgentSessionTimeout:    config.Seconds(cfg.Engine.AgentSessionTimeoutSec),
		MaxNodesPerUser:        cfg.Engine.MaxNodesPerUser,
		MaxWorkspacesPerNode:   cfg.Selector.MaxWorkspacesPerNode,
		DefaultVMSize:          model.VMSize(cfg.Engine.DefaultVMSize),
		DefaultLocation:        cfg.Engine.DefaultLocation,
	})
	service := taskrun.NewService(engine, taskQueue, log)

	hub := ws.NewHub(service, log)
	engine.SetPublisher(hub.Publisher())
	hub.Serve()
	defer hub.Close()

	// 8. Restore durable state before accepting work
	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	if err := lifecycle.Restore(startCtx); err != nil {
		log.WithError(err).Error("Failed to restore node lifecycle")
	}
	if _, err := service.ResumeInFlight(startCtx); err != nil {
		log.WithError(err).Error("Failed to resume in-flight tasks")
	}
	cancelStart()

	dispatcher := queue.NewDispatcher(&queue.DispatcherConfig{
		Source:      taskQueue,
		Executor:    engine,
		Logger:      log,
		Concurrency: cfg.Engine.Concurrency,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	// 9. Background sweeps
	recoveryWorker := recovery.NewWorker(&recovery.Config{
		DB:                  gdb,
		Engine:              engine,
		Locker:              locker,
		Logger:              log,
		Interval:            config.Seconds(cfg.Recovery.IntervalSec),
		QueuedTimeout:       config.Seconds(cfg.Recovery.QueuedTimeoutSec),
		DelegatedTimeout:    config.Seconds(cfg.Recovery.DelegatedTimeoutSec),
		MaxExecutionTimeout: config.Seconds(cfg.Recovery.MaxExecutionTimeoutSec),
	})
	if cfg.Recovery.Enabled {
		recoveryWorker.Start()
		defer recoveryWorker.Stop()
	}

	cleanupWorker := nodecleanup.NewWorker(&nodecleanup.Config{
		DB:                  gdb,
		Lifecycle:           lifecycle,
		Locker:              locker,
		Logger:              log,
		Interval:            config.Seconds(cfg.NodeCleanup.IntervalSec),
		WarmTimeout:         config.Seconds(cfg.Lifecycle.WarmTimeoutSec),
		GracePeriod:         config.Seconds(cfg.NodeCleanup.WarmGracePeriodSec),
		MaxAutoNodeLifetime: config.Seconds(cfg.NodeCleanup.MaxAutoNodeLifetimeSec),
	})
	if cfg.NodeCleanup.Enabled {
		cleanupWorker.Start()
		defer cleanupWorker.Stop()
	}

	healthWorker := nodehealth.NewWorker(&nodehealth.Config{
		DB:                   gdb,
		Agent:                agent,
		Logger:               log,
		IntervalSec:          cfg.NodeHealthWorker.IntervalSec,
		TimeoutSec:           cfg.NodeHealthWorker.TimeoutSec,
		OfflineFailThreshold: cfg.NodeHealthWorker.OfflineFailThreshold,
		Concurrency:          cfg.NodeHealthWorker.Concurrency,
	})
	if cfg.NodeHealthWorker.Enabled {
		healthWorker.Start()
		defer healthWorker.Stop()
	}

	// 10. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Setup API v1 routes
	v1.SetupRouter(r, &v1.Deps{
		DB:        gdb,
		Tasks:     service,
		Engine:    engine,
		Lifecycle: lifecycle,
		Health:    healthWorker,
		Recovery:  recoveryWorker,
		Cleanup:   cleanupWorker,
		Socket:    hub.Handler(),
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	go func() {
		log.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
}
