package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/DanielRibauFotografia/jarvis/internal/agent"
	"github.com/DanielRibauFotografia/jarvis/internal/api"
	"github.com/DanielRibauFotografia/jarvis/internal/bus"
	"github.com/DanielRibauFotografia/jarvis/internal/config"
	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting jarvis...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/jarvis.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize the message bus. Redis gives cross-process delivery; the
	// in-process bus keeps a single binary fully functional without it.
	var b bus.Bus
	if cfg.Bus.RedisURL != "" {
		rb, busErr := bus.NewRedisBus("jarvis", cfg.Bus.RedisURL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, falling back to in-process bus", zap.Error(busErr))
			b = bus.NewInProcBus("jarvis", logger)
		} else {
			b = rb
		}
	} else {
		b = bus.NewInProcBus("jarvis", logger)
	}

	// Initialize the durable memory store: Postgres, then SQLite, then an
	// in-memory fallback.
	var durable memory.Store
	switch {
	case cfg.Memory.PostgresDSN != "":
		ps, pgErr := memory.NewPGStore(cfg.Memory.PostgresDSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
			durable = memory.NewMemStore()
		} else {
			if mErr := ps.Migrate(context.Background(), cfg.Memory.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			durable = ps
		}
	case cfg.Memory.SQLitePath != "":
		ss, sqErr := memory.NewSQLiteStore(cfg.Memory.SQLitePath, logger)
		if sqErr != nil {
			logger.Warn("SQLite unavailable, running without persistence", zap.Error(sqErr))
			durable = memory.NewMemStore()
		} else {
			durable = ss
		}
	default:
		logger.Warn("no durable store configured, memories are process-local")
		durable = memory.NewMemStore()
	}

	// Working memory is always process-local; its items are ephemeral by
	// contract.
	mem := memory.NewManager(durable, memory.NewMemStore(), cfg.Memory.SweepInterval.Std(), logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go mem.Run(rootCtx)

	// Initialize the orchestrator
	orch := orchestrator.New(b, orchestrator.Config{
		HeartbeatInterval: cfg.Orchestrator.HeartbeatInterval.Std(),
		StaleMultiplier:   cfg.Orchestrator.StaleMultiplier,
		RetryCeiling:      cfg.Orchestrator.RetryCeiling,
		RequestTimeout:    cfg.Orchestrator.RequestTimeout.Std(),
		PollInterval:      cfg.Orchestrator.PollInterval.Std(),
		SubmitDeadline:    cfg.Orchestrator.SubmitDeadline.Std(),
	}, logger)
	if err := orch.Start(rootCtx); err != nil {
		logger.Fatal("orchestrator start failed", zap.Error(err))
	}

	// Start the static agent fleet
	var runtimes []*agent.Runtime
	for _, ac := range cfg.Agents {
		h := handlerForType(ac.Type, mem)
		if h == nil {
			logger.Warn("unknown agent type", zap.String("type", ac.Type))
			continue
		}
		for i := 0; i < ac.Instances; i++ {
			rec := orch.Registry().Register(ac.Type, h.Capabilities())
			rt := agent.NewRuntime(rec.ID, ac.Type, h, b, mem, logger,
				agent.WithHeartbeatInterval(cfg.Orchestrator.HeartbeatInterval.Std()),
				agent.WithShutdownGrace(ac.ShutdownGrace.Std()),
			)
			if err := rt.Start(rootCtx); err != nil {
				logger.Error("agent start failed", zap.String("type", ac.Type), zap.Error(err))
				continue
			}
			runtimes = append(runtimes, rt)
		}
		logger.Info("Agent fleet member online",
			zap.String("type", ac.Type),
			zap.Int("instances", ac.Instances))
	}

	// Build HTTP handler
	handler := api.NewHandler(orch, mem, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("jarvis listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down jarvis...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	for _, rt := range runtimes {
		if err := rt.Stop(ctx); err != nil {
			logger.Warn("agent stop failed", zap.String("id", rt.ID()), zap.Error(err))
		}
	}
	orch.Stop()
	rootCancel()
	b.Close()
	mem.Close()
}

// handlerForType maps a configured agent type to its built-in handler.
func handlerForType(agentType string, mem *memory.Manager) agent.Handler {
	switch agentType {
	case "photo":
		return &agent.PhotoHandler{}
	case "calendar":
		return &agent.CalendarHandler{}
	case "marketing":
		return agent.NewMarketingHandler(mem)
	default:
		return nil
	}
}
