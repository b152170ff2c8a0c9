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

	"github.com/cloud-codex/cloud-codex/internal/approval"
	"github.com/cloud-codex/cloud-codex/internal/common/config"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/credentials"
	"github.com/cloud-codex/cloud-codex/internal/events/bus"
	"github.com/cloud-codex/cloud-codex/internal/gateway"
	"github.com/cloud-codex/cloud-codex/internal/session"
	"github.com/cloud-codex/cloud-codex/internal/supervisor"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting Cloud Codex gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Audit sink
	var auditor approval.Auditor
	switch cfg.Audit.Driver {
	case "postgres":
		pg, err := approval.NewPostgresAuditor(ctx, cfg.Audit.DSN, log)
		if err != nil {
			log.Fatal("Failed to initialize postgres auditor", zap.Error(err))
		}
		auditor = pg
		log.Info("Using postgres audit sink")
	default:
		auditor = approval.NewMemoryAuditor(0)
	}
	defer auditor.Close()

	// 5. Environment entries layered onto each agent subprocess
	agentEnv := credentials.AgentEnv(cfg.Agent.Env, log)

	// 6. Approval broker; pending requests fan out over the bus
	broker := approval.NewBroker(approval.Config{
		Timeout:       cfg.Approval.Timeout(),
		DefaultAction: approval.Decision(cfg.Approval.DefaultAction),
		Policy: approval.PolicyConfig{
			AutoApproveCommands: cfg.Approval.AutoApprove.Commands,
			AutoApprovePaths:    cfg.Approval.AutoApprove.Paths,
		},
	}, auditor, func(sessionID, userID string, frame *approval.RequestFrame) {
		data := map[string]interface{}{
			"sessionId":  sessionID,
			"userId":     userID,
			"approvalId": frame.ApprovalID,
			"method":     frame.Method,
			"params":     frame.Params,
		}
		ev := bus.NewEvent("approval-request", "approval-broker", data)
		if err := eventBus.Publish(ctx, session.Subject(sessionID, session.KindApproval), ev); err != nil {
			log.Warn("failed to publish approval request", zap.Error(err))
		}
	}, log)

	// 7. Session registry with the real supervisor factory
	factory := func(workingDir string, taps supervisor.Taps) session.AgentSupervisor {
		return supervisor.New(supervisor.Options{
			Command:        cfg.Agent.Command,
			Args:           cfg.Agent.Args,
			WorkingDir:     workingDir,
			Env:            agentEnv,
			RequestTimeout: cfg.RPC.RequestTimeout(),
			ClientName:     "cloud-codex",
			ClientVersion:  "0.1.0",
		}, taps, log)
	}
	registry := session.NewRegistry(session.Config{
		WorkspaceRoot: cfg.Workspace.Root,
		IdleTimeout:   cfg.Session.IdleTimeout(),
		SweepInterval: cfg.Session.SweepInterval(),
	}, factory, broker, eventBus, log)
	registry.Start()
	log.Info("Started session registry",
		zap.String("workspace_root", cfg.Workspace.Root))

	// 8. Gateway hub and adapter
	hub := gateway.NewHub(eventBus, log)
	go hub.Run(ctx)
	adapter := gateway.NewAdapter(broker, log)
	server := gateway.NewServer(registry, broker, auditor, hub, adapter, eventBus, log)

	// 9. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gateway.Recover(log))
	router.Use(gateway.Observe(log))
	server.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Cloud Codex gateway...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// stop all sessions, closing their subprocesses
	registry.Stop()

	log.Info("Cloud Codex gateway stopped")
}
