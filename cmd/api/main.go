package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/application"
	appai "github.com/dtrovato997/speechanalysis/internal/application/ai"
	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	appinference "github.com/dtrovato997/speechanalysis/internal/application/inference"
	"github.com/dtrovato997/speechanalysis/internal/application/recording"
	"github.com/dtrovato997/speechanalysis/internal/config"
	"github.com/dtrovato997/speechanalysis/internal/infra/ai/openai"
	"github.com/dtrovato997/speechanalysis/internal/infra/capture"
	"github.com/dtrovato997/speechanalysis/internal/infra/db/sqlite"
	"github.com/dtrovato997/speechanalysis/internal/infra/httpserver"
	"github.com/dtrovato997/speechanalysis/internal/infra/inference"
	"github.com/dtrovato997/speechanalysis/internal/infra/storage"
	"github.com/dtrovato997/speechanalysis/internal/middleware"
)

func main() {
	// config path
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// open the on-device store
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create database dir: %v", err)
		}
	}
	db, err := sqlite.Connect(ctx, cfg.SQLiteDSN())
	if err != nil {
		log.Fatalf("sqlite connect error: %v", err)
	}
	defer db.Close()

	// recordings vault, with the user home as fallback when the primary
	// dir is not writable
	fallback := ""
	if home, err := os.UserHomeDir(); err == nil {
		fallback = filepath.Join(home, ".speechanalysis", "recordings")
	}
	vault, err := storage.NewFileVault(cfg.Vault.Dir, fallback)
	if err != nil {
		log.Fatalf("vault init error: %v", err)
	}

	svc := &analyses.Service{
		Repo:  sqlite.NewAnalysisRepository(db),
		Vault: vault,
		Clock: application.SystemClock{},
		Log:   logger,
	}

	// optional object-store archive
	if cfg.ArchiveEnabled() {
		archive, err := storage.NewArchiveStore(ctx,
			cfg.Archive.Endpoint,
			cfg.Archive.Region,
			cfg.Archive.BucketName,
			cfg.Archive.AccessKey,
			cfg.Archive.SecretKey,
			cfg.Archive.UseSSL,
		)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		svc.Archive = archive
	}

	// inference backend client
	engine := inference.NewClient(cfg.Inference.URL, time.Duration(cfg.Inference.TimeoutSeconds)*time.Second)

	// microphone session
	device := capture.NewFFmpegDevice(cfg.Recording.Backend, cfg.Recording.InputDevice, cfg.Recording.SampleRate, logger)
	session := recording.NewSession(device, svc, cfg.Recording.TmpDir, logger)
	hub := httpserver.NewEventHub(logger)
	session.Notify = hub.Broadcast

	// background submitter
	submitter := &appinference.Submitter{
		Analyses:  svc,
		Engine:    engine,
		Log:       logger,
		Interval:  time.Duration(cfg.Submitter.IntervalSeconds) * time.Second,
		BatchSize: cfg.Submitter.BatchSize,
	}
	go submitter.Run(ctx)

	// repair recording paths that moved while the app was off
	go reconcileOnStartup(ctx, svc, logger)

	// optional AI summarizer
	aiSvc := appai.NewService(nil)
	if cfg.AIEnabled() {
		aiSvc = appai.NewService(openai.NewClient(cfg.AI.APIKey, cfg.AI.Model))
	}

	handler := httpserver.NewRouter(httpserver.RouterConfig{
		Analyses:  svc,
		Session:   session,
		Submitter: submitter,
		AI:        aiSvc,
		Hub:       hub,
		Health: map[string]middleware.HealthChecker{
			"database":  &middleware.DatabaseHealthChecker{DB: db},
			"vault":     &middleware.VaultHealthChecker{Dir: vault.Base()},
			"inference": &middleware.EngineHealthChecker{Engine: engine},
		},
		APIKey: cfg.Server.APIKey,
		TmpDir: cfg.Recording.TmpDir,
		Log:    logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	// stop the submitter and any background submissions first
	cancel()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// reconcileOnStartup walks recent analyses and re-points any recording
// path that no longer matches the vault, which happens when the data dir
// was moved or a crash interrupted a save.
func reconcileOnStartup(ctx context.Context, svc *analyses.Service, log *slog.Logger) {
	list, err := svc.List(ctx, 100)
	if err != nil {
		log.Warn("startup reconcile skipped", "error", err)
		return
	}
	for _, a := range list {
		if ctx.Err() != nil {
			return
		}
		if _, err := svc.ReconcilePath(ctx, a.ID); err != nil {
			log.Warn("reconcile failed", "id", a.ID, "error", err)
		}
	}
}
