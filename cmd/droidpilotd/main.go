// Package main is the entry point for the droidpilot daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/credentials"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	deviceapi "github.com/droidpilot/droidpilot/internal/device/api"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	"github.com/droidpilot/droidpilot/internal/device/emulator"
	"github.com/droidpilot/droidpilot/internal/events/bus"
	"github.com/droidpilot/droidpilot/internal/model"
	"github.com/droidpilot/droidpilot/internal/session"
	sessionapi "github.com/droidpilot/droidpilot/internal/session/api"
	"github.com/droidpilot/droidpilot/internal/store"
	"github.com/droidpilot/droidpilot/internal/tracker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting droidpilot daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the task store
	tasks, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err))
	}
	defer tasks.Close()
	log.Info("Task store ready", zap.String("driver", cfg.Database.Driver))

	// 5. Open the screenshot blob store
	blobs, err := store.NewFileBlobStore(cfg.Blob.Dir, cfg.Blob.URLPrefix)
	if err != nil {
		log.Fatal("Failed to open blob store", zap.Error(err))
	}

	// 6. Recover step batches spilled during a previous crash
	recovered, err := tracker.RecoverSpills(ctx, cfg.Agent.SpillDir, tasks, log)
	if err != nil {
		log.Warn("Spill recovery incomplete", zap.Error(err))
	}
	if recovered > 0 {
		log.Info("Recovered spilled step batches", zap.Int("batches", recovered))
	}

	// 7. Connect the event bus (in-process unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL == "" {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-process event bus")
	} else {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}
	defer eventBus.Close()

	// 8. Build the adb device stack
	runner := device.NewRunner(cfg.ADB.Path, log)
	ctrl := device.NewController(runner, cfg.ADB, log)
	conns := device.NewConnectionManager(ctrl, cfg.Agent.Language, log)

	// 9. Provision emulator containers when enabled. Failures here are
	// not fatal: the daemon still serves physical devices.
	var provisioner *emulator.Provisioner
	if cfg.Emulator.Enabled {
		emuClient, err := emulator.NewClient(cfg.Emulator, log)
		if err != nil {
			log.Warn("Docker unavailable, continuing without emulators", zap.Error(err))
		} else {
			defer emuClient.Close()
			provisioner = emulator.NewProvisioner(emuClient, cfg.Emulator, log)
			instances, err := provisioner.Start(ctx, cfg.Emulator.Count)
			if err != nil {
				log.Warn("Emulator provisioning failed, continuing without emulators", zap.Error(err))
				provisioner = nil
			} else {
				for _, inst := range instances {
					if ok, msg := conns.Connect(ctx, inst.ADBAddress); !ok {
						log.Warn("Failed to attach emulator",
							zap.String("address", inst.ADBAddress),
							zap.String("reason", msg))
					}
				}
			}
		}
	}

	// 10. Resolve the model API key from the environment if unset
	if cfg.Model.APIKey == "" {
		creds := credentials.NewEnvProvider("DROIDPILOT_")
		if cred, err := creds.ResolveModelKey(ctx); err == nil {
			cfg.Model.APIKey = cred.Value
			log.Info("Resolved model API key", zap.String("env", cred.Key))
		} else {
			log.Warn("No model API key configured; model requests may be rejected")
		}
	}

	// 11. Create the model client
	modelClient := model.NewClient(cfg.Model, log)

	// 12. Create the session manager
	registry := apps.NewRegistry()
	mgr := session.NewManager(cfg.Agent, ctrl, modelClient, registry, tasks, blobs, log)

	// 13. Bridge task lifecycle events onto the bus
	bridge := session.NewBridge(eventBus, log)
	mgr.Tap(bridge.Forward)

	// 14. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(sessionapi.RequestLogger(log))
	router.Use(sessionapi.Recovery(log))
	router.Use(sessionapi.CORS())

	// 15. Register API routes
	v1 := router.Group("/api/v1")
	sessionapi.SetupRoutes(v1, mgr, modelClient, log)
	deviceapi.SetupRoutes(v1, conns, registry, log)

	// 16. Health check and screenshot file serving
	handler := sessionapi.NewHandler(mgr, modelClient, log)
	router.GET("/health", handler.HealthCheck)
	router.Static(cfg.Blob.URLPrefix, blobs.Dir())

	// 17. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 18. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 19. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down droidpilot daemon...")

	// 20. Graceful shutdown
	cancel() // Cancel context to stop background goroutines

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop running tasks and flush their final step batches
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("Session manager shutdown error", zap.Error(err))
	}

	// Tear down emulator containers the daemon provisioned
	if provisioner != nil {
		if err := provisioner.Stop(shutdownCtx); err != nil {
			log.Error("Emulator teardown error", zap.Error(err))
		}
	}

	log.Info("droidpilot daemon stopped")
}
