// Package main is the forksd entry point: a local daemon orchestrating AI
// coding agents over per-task git worktrees, with an HTTP + WebSocket
// surface for clients.
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

	"github.com/forksd/forksd/internal/adapter"
	"github.com/forksd/forksd/internal/approval"
	"github.com/forksd/forksd/internal/common/config"
	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/common/tracing"
	"github.com/forksd/forksd/internal/events/bus"
	gateway "github.com/forksd/forksd/internal/gateway/websocket"
	"github.com/forksd/forksd/internal/httpapi"
	"github.com/forksd/forksd/internal/models"
	"github.com/forksd/forksd/internal/orchestrator"
	"github.com/forksd/forksd/internal/store"
	"github.com/forksd/forksd/internal/terminal"
	"github.com/forksd/forksd/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting forksd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		tracer = nil
	}

	// Event bus: in-memory by default, NATS when configured.
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	dbPath, err := config.ExpandHome(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to resolve database path", zap.Error(err))
	}
	st, err := store.NewSQLiteStore(dbPath, eventBus)
	if err != nil {
		log.Fatal("Failed to initialize SQLite store", zap.Error(err))
	}
	defer st.Close()
	log.Info("SQLite store initialized", zap.String("db_path", dbPath))

	worktrees, err := worktree.NewManager(cfg.Worktree, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// Remove attempt worktrees orphaned by a previous crash.
	worktrees.Reconcile(ctx,
		func(workspaceID, attemptID string) bool {
			a, err := st.GetAttempt(ctx, attemptID)
			if err != nil {
				return false
			}
			return a.Status == models.AttemptRunning || a.Status == models.AttemptCompleted
		},
		func(workspaceID string) string {
			ws, err := st.GetWorkspace(ctx, workspaceID)
			if err != nil {
				return ""
			}
			project, err := st.GetProject(ctx, ws.ProjectID)
			if err != nil {
				return ""
			}
			return project.Path
		})

	terminals := terminal.NewManager(log, eventBus)

	registry := orchestrator.NewRegistry()
	broker := approval.NewBroker(st, registry, log)

	// No agent backend is configured yet; the loopback adapter echoes turns
	// so every surface stays exercisable.
	ad := adapter.NewLoopback()
	runner := orchestrator.NewRunner(st, ad, registry, worktrees, broker, log)

	hub, err := gateway.NewHub(eventBus, terminals, log)
	if err != nil {
		log.Fatal("Failed to initialize websocket hub", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, cfg.Server, cfg.Auth, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", wsHandler.Handle)
	httpapi.NewServer(st, runner, broker, terminals, worktrees, log).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("forksd listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down forksd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	hub.Close()
	runner.Stop(shutdownCtx)
	broker.Shutdown()
	terminals.ShutdownAll()
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	log.Info("forksd stopped")
}
