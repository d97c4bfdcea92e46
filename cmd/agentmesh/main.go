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

	"github.com/agentmesh/agentmesh/internal/agent"
	agenthandlers "github.com/agentmesh/agentmesh/internal/agent/handlers"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/tracing"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	gw "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/orchestrator/wshandlers"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/session/manager"
	"github.com/agentmesh/agentmesh/internal/session/repository"
	"github.com/agentmesh/agentmesh/internal/session/repository/sqlite"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

const serviceName = "agentmesh"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
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

	log.Info("Starting agentmesh server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Session repository: SQLite when a path is configured
	var repo repository.Repository
	if cfg.Database.Path != "" {
		sqliteRepo, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open session database", zap.String("path", cfg.Database.Path), zap.Error(err))
		}
		repo = sqliteRepo
		log.Info("Using SQLite session store", zap.String("path", cfg.Database.Path))
	} else {
		repo = repository.NewMemoryRepository()
		log.Info("Using in-memory session store")
	}
	defer repo.Close()

	// 5. Agent registry and configured agents
	registry := agent.NewRegistry(eventBus, agent.Limits{
		MaxConcurrent:      cfg.Agent.MaxConcurrent,
		StreamChunkMaxSize: cfg.Agent.StreamChunkMaxSize,
		ToolTimeout:        cfg.Agent.ToolTimeoutDuration(),
	}, log)
	registry.RegisterFactory(agent.EchoAgentType, agent.NewEchoAgentFactory())

	if cfg.Agent.DefinitionsFile != "" {
		defs, err := agent.LoadDefinitions(cfg.Agent.DefinitionsFile)
		if err != nil {
			log.Fatal("Failed to load agent definitions",
				zap.String("file", cfg.Agent.DefinitionsFile), zap.Error(err))
		}
		created := agent.CreateFromDefinitions(ctx, registry, defs, log)
		log.Info("Created agents from definitions",
			zap.String("file", cfg.Agent.DefinitionsFile), zap.Int("count", created))
	}

	// 6. Core services
	sessions := manager.NewManager(repo, eventBus, log)
	orch := orchestrator.NewOrchestrator(registry, eventBus, orchestrator.Options{
		ParallelismCap: cfg.Orchestrator.ParallelismCap,
		StepTimeout:    cfg.Orchestrator.StepTimeoutDuration(),
	}, log)

	// 7. WebSocket gateway, router and hub method handlers
	gateway := gw.NewGateway(log)
	msgRouter := router.NewMessageRouter(gateway.Hub, log)

	agentHandlers := agenthandlers.NewAgentHandlers(gateway.Hub, registry, sessions, msgRouter, log)
	agentHandlers.Register(gateway.Dispatcher)

	orchHandlers := wshandlers.NewOrchestratorHandlers(
		gateway.Hub, gateway.Connections, sessions, orch, msgRouter, log)
	orchHandlers.Register(gateway.Dispatcher)

	gateway.Dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})

	go gateway.Hub.Run(ctx)

	notifier := gw.NewNotifier(gateway.Hub, eventBus, log)
	if err := notifier.Start(); err != nil {
		log.Fatal("Failed to start notification forwarding", zap.Error(err))
	}

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(log, serviceName))
	engine.Use(httpmw.OtelTracing(serviceName))

	gateway.SetupRoutes(engine)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	orchHandlers.Stop()
	notifier.Stop()
	registry.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

// corsMiddleware allows browser clients from any origin to reach the
// WebSocket upgrade and health endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
