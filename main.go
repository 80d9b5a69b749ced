package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/karl-digi/manaflow-sub006/internal/adapter/devbox"
	"github.com/karl-digi/manaflow-sub006/internal/adapter/dockercli"
	"github.com/karl-digi/manaflow-sub006/internal/adapter/tmuxsession"
	"github.com/karl-digi/manaflow-sub006/internal/config"
	"github.com/karl-digi/manaflow-sub006/internal/ingest"
	"github.com/karl-digi/manaflow-sub006/internal/monitor"
	"github.com/karl-digi/manaflow-sub006/internal/reaper"
	"github.com/karl-digi/manaflow-sub006/internal/sandbox"
	"github.com/karl-digi/manaflow-sub006/internal/service"
	"github.com/karl-digi/manaflow-sub006/internal/store"
	"github.com/karl-digi/manaflow-sub006/internal/transport/http/internalapi"
	v1 "github.com/karl-digi/manaflow-sub006/internal/transport/http/v1"
	"github.com/karl-digi/manaflow-sub006/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting orchestrator...")
	log.Printf("External HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Internal HTTP Port: %d", cfg.InternalPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Devbox API: %s", cfg.DevboxURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize ownership policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize adapters
	provider := devbox.NewClient(cfg.DevboxURL)
	runtime := dockercli.New()

	// Initialize components
	manager := sandbox.NewManager(provider, policyEngine, cfg.SandboxPollInterval, cfg.SandboxReadyDeadline)
	rp := reaper.New(db, runtime)
	ingestor := ingest.New(db)

	// Initialize service
	svc := service.New(db, manager, rp, ingestor, cfg)

	// Each scheduled run gets an idle watcher on its agent tmux session.
	svc.SetSessionFactory(func(ctx context.Context, runID string) monitor.Session {
		session := tmuxsession.New("agent-" + runID)
		go session.Run(ctx)
		return session
	})

	// Initialize handlers
	h := v1.NewHandler(svc)
	internalH := internalapi.NewHandler(svc)

	// Create external Echo server
	externalServer := echo.New()
	externalServer.HideBanner = true
	externalServer.Use(middleware.Logger())
	externalServer.Use(middleware.Recover())
	externalServer.Use(middleware.CORS())
	h.RegisterRoutes(externalServer)

	// Create internal Echo server (for agent bridges only)
	internalServer := echo.New()
	internalServer.HideBanner = true
	internalServer.Use(middleware.Logger())
	internalServer.Use(middleware.Recover())
	internalH.RegisterRoutes(internalServer)

	// Maintenance sweep: pause ready sandboxes past the age threshold.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				svc.RunSweep(sweepCtx)
			}
		}
	}()

	// Start both servers
	var g errgroup.Group
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("internal server: %w", err)
		}
		return nil
	})

	log.Printf("External API started on port %d", cfg.HTTPPort)
	log.Printf("Internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")
	stopSweep()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown external server gracefully: %v", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}
	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}

	log.Println("Orchestrator stopped")
}
