// Command autodev runs the development orchestrator: the repo controller's
// webhook surface, per-issue and per-PR controller registries, and the
// supporting session and rate-limit stores, all behind one HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/host"
	"github.com/autodev/autodev/internal/persistence"
	"github.com/autodev/autodev/internal/ratelimit"
	"github.com/autodev/autodev/internal/repo"
	"github.com/autodev/autodev/internal/sandbox"
	"github.com/autodev/autodev/internal/server"
	"github.com/autodev/autodev/internal/session"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = 5 * time.Minute
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("starting autodev orchestrator",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL == "" {
		log.Info("nats url not set, using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	} else {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
	}
	defer eventBus.Close()

	// 5. Host client (GitHub App)
	if cfg.GitHub.AppID == 0 || cfg.GitHub.PrivateKey == "" {
		log.Fatal("github.appId and github.privateKey are required")
	}
	creds, err := host.NewAppCredentials(cfg.GitHub.AppID, cfg.GitHub.PrivateKey)
	if err != nil {
		log.Fatal("failed to load github app credentials", zap.Error(err))
	}
	hostClient := host.NewClient(cfg.GitHub.APIBaseURL, creds, cfg.GitHub.DefaultInstallationID, log)

	// 6. Data directory
	dataDir, err := expandPath(cfg.Database.DataDir)
	if err != nil {
		log.Fatal("failed to resolve data directory", zap.Error(err))
	}
	cfg.Database.DataDir = dataDir

	// 7. System store backing the rate limiter and session store
	sysStore, err := persistence.Open(dataDir, "system", "core")
	if err != nil {
		log.Fatal("failed to open system store", zap.Error(err))
	}
	defer func() { _ = sysStore.Close() }()

	limiter, err := ratelimit.New(sysStore)
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}
	sessions, err := session.New(sysStore)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}

	// 8. Agent catalog and approval-gate overlays
	roster, conns, err := server.LoadRoster(cfg.Agents.File)
	if err != nil {
		log.Fatal("failed to load agent catalog", zap.Error(err))
	}
	gates, err := server.LoadGates(cfg.Gates.File)
	if err != nil {
		log.Fatal("failed to load approval gates", zap.Error(err))
	}

	// 9. Sandbox client over the event bus
	sandboxClient := sandbox.NewBusClient(eventBus, log)

	// 10. Repo controller for the configured repository
	var repoCtrl *repo.Controller
	if cfg.GitHub.DefaultRepo != "" {
		repoStore, err := persistence.Open(dataDir, "repo", cfg.GitHub.DefaultRepo)
		if err != nil {
			log.Fatal("failed to open repo store", zap.Error(err))
		}
		defer func() { _ = repoStore.Close() }()

		repoCtrl, err = repo.NewController(repoStore, eventBus, hostClient, repo.NewBusStarter(eventBus), repo.Config{
			RepoFullName:     cfg.GitHub.DefaultRepo,
			InstallationID:   cfg.GitHub.DefaultInstallationID,
			BacklogPath:      cfg.GitHub.BacklogPath,
			ProtectionWindow: cfg.Reconcile.ProtectionWindowDuration(),
			CommitRetries:    cfg.Reconcile.CommitRetries,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize repo controller", zap.Error(err))
		}
	} else {
		log.Warn("github.defaultRepo not set, repo surface disabled")
	}

	// 11. HTTP server
	if strings.ToLower(cfg.Logging.Level) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(server.Options{
		Config:      cfg,
		Bus:         eventBus,
		PRHost:      hostClient,
		Roster:      roster,
		Connections: conns,
		Sandbox:     sandboxClient,
		Gates:       gates,
		Limiter:     limiter,
		Sessions:    sessions,
		Repo:        repoCtrl,
		Logger:      log,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Run the server and background sweeps until a signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := limiter.Purge(); err != nil {
					log.Warn("rate limit purge failed", zap.Error(err))
				}
				if n, err := sessions.Sweep(); err != nil {
					log.Warn("session sweep failed", zap.Error(err))
				} else if n > 0 {
					log.Debug("swept expired sessions", zap.Int64("count", n))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatal("orchestrator exited with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// expandPath resolves a leading ~/ against the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
