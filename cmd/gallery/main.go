package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sungreong/openstream-gallery/internal/app/migrate"
	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/dockerfile"
	"github.com/sungreong/openstream-gallery/internal/domain"
	httpx "github.com/sungreong/openstream-gallery/internal/http"
	"github.com/sungreong/openstream-gallery/internal/ingress"
	"github.com/sungreong/openstream-gallery/internal/pipeline"
	"github.com/sungreong/openstream-gallery/internal/reconcile"
	"github.com/sungreong/openstream-gallery/internal/repository/postgres"
	"github.com/sungreong/openstream-gallery/internal/service/apps"
	"github.com/sungreong/openstream-gallery/internal/service/auth"
	"github.com/sungreong/openstream-gallery/internal/service/credentials"
	"github.com/sungreong/openstream-gallery/internal/task"
	"github.com/sungreong/openstream-gallery/internal/workspace"
	"github.com/sungreong/openstream-gallery/internal/ws"
	"github.com/sungreong/openstream-gallery/pkg/config"
	"github.com/sungreong/openstream-gallery/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("gallery", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}
	if err := dockerClient.EnsureNetwork(ctx, cfg.AppNetworkName); err != nil {
		log.Error("failed to ensure app network", "network", cfg.AppNetworkName, "error", err)
		os.Exit(1)
	}

	variants, err := dockerfile.LoadVariants(cfg.BaseDockerfileDir)
	if err != nil {
		log.Error("failed to load dockerfile variants", "dir", cfg.BaseDockerfileDir, "error", err)
		os.Exit(1)
	}
	composer := dockerfile.NewComposer(variants)

	reloader, err := ingress.NewDockerReloader(dockerClient, cfg.NginxContainerName, cfg.ReloadTimeout)
	if err != nil {
		log.Error("failed to configure nginx reloader", "error", err)
		os.Exit(1)
	}
	ingressManager, err := ingress.NewManager(cfg.NginxConfigDir, cfg.NginxSystemConfigs, dockerClient, reloader, log)
	if err != nil {
		log.Error("failed to configure ingress manager", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "root", cfg.WorkspaceRoot, "error", err)
		os.Exit(1)
	}
	if err := workspaces.Sweep(); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	}

	queue := task.NewMemoryQueue(0)
	if addr := strings.TrimSpace(cfg.TaskQueueRedisAddr); addr != "" {
		redisQueue, err := task.NewRedisQueue(addr, cfg.TaskQueueRedisPass, cfg.TaskQueueRedisDB, cfg.TaskQueueName, log)
		if err != nil {
			log.Warn("redis task queue unavailable, using in-memory queue", "error", err)
		} else {
			queue = redisQueue
		}
	}

	hub := ws.NewHub()
	notifier := ws.NewEventBroadcaster(hub, log)

	engine := task.New(task.Config{Workers: cfg.TaskWorkers}, repo, repo, queue, notifier, log)

	credentialSvc := credentials.New(repo, cfg.EncryptionKey, log)

	pipeDeps := pipeline.Deps{
		Apps:        repo,
		Deployments: repo,
		Credentials: credentialSvc,
		Engine:      engine,
		Docker:      dockerClient,
		Workspaces:  workspaces,
		Composer:    composer,
		Ingress:     ingressManager,
		Network:     cfg.AppNetworkName,
		Timeouts: pipeline.Timeouts{
			Clone: cfg.CloneTimeout,
			Build: cfg.BuildTimeout,
			Start: cfg.StartTimeout,
		},
		Log: log,
	}
	engine.Register(domain.TaskKindBuild, pipeline.NewBuildPipeline(pipeDeps))
	engine.Register(domain.TaskKindDeploy, pipeline.NewDeployPipeline(pipeDeps))
	engine.Register(domain.TaskKindStop, pipeline.NewStopPipeline(pipeDeps))

	orchestrator := pipeline.NewOrchestrator(repo, repo, repo, engine, dockerClient, ingressManager, log)
	reconciler := reconcile.NewController(repo, repo, dockerClient, ingressManager, engine, cfg.ReconcileInterval, log)

	if err := engine.RecoverInterrupted(ctx); err != nil {
		log.Warn("task recovery incomplete", "error", err)
	}
	engine.Start(ctx)
	reconciler.Start(ctx)
	go purgeLoop(ctx, orchestrator, cfg.DeploymentRetention, log)

	authSvc := auth.New(repo, log, cfg)
	appSvc := apps.New(repo, repo, repo, repo, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:         log,
		Auth:           authSvc,
		Apps:           appSvc,
		Credentials:    credentialSvc,
		Orchestrator:   orchestrator,
		Reconciler:     reconciler,
		AppStore:       repo,
		Engine:         dockerClient,
		Ingress:        ingressManager,
		Composer:       composer,
		Variants:       variants,
		Hub:            hub,
		Limiter:        limiter,
		AdminUsernames: cfg.AdminUsernames,
		DBHealth:       pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gallery server starting", "addr", cfg.Addr, "public_url", cfg.PublicBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		engine.Wait()
		log.Info("gallery server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

const deploymentPurgeEvery = 12 * time.Hour

// purgeLoop trims deployment rows older than the retention window until the
// context is cancelled.
func purgeLoop(ctx context.Context, orchestrator *pipeline.Orchestrator, retention time.Duration, log *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(deploymentPurgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := orchestrator.PurgeDeployments(opCtx, retention)
			cancel()
			if err != nil {
				log.Warn("deployment purge failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("purged old deployments", "removed", removed, "retention", retention)
			}
		}
	}
}
