package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/capture"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/profile"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Str("backend", cfg.BackendURL).
		Str("checkpoint", cfg.CheckpointBackend).
		Msg("Starting ExStem proctoring agent")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Open Checkpoint Store ─────────────────────────────────────────
	store, closeStore, err := checkpoint.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}
	defer closeStore()

	// ─── Backend Client ────────────────────────────────────────────────
	client := remote.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.HTTPTimeout, log)
	if cfg.BackendToken == "" {
		log.Warn().Msg("No backend token, run the login command before starting an exam")
	}

	// ─── Proctoring Fallback Profile ───────────────────────────────────
	fallback := profile.Default()
	if cfg.ProctoringProfile != "" {
		fallback, err = profile.Load(cfg.ProctoringProfile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.ProctoringProfile).Msg("Invalid proctoring profile")
		}
	}

	// ─── Initialize Services ──────────────────────────────────────────
	hub := ws.NewHub(log)
	sessions := service.NewExamSessionService(client, service.ExamSessionOptions{
		Store:       store,
		Camera:      cameraFactory(cfg),
		Fallback:    fallback,
		Tuning:      tuning(cfg),
		Sink:        hub,
		TokenMargin: cfg.TokenMargin,
		TokenFile:   tokenFile(cfg),
	}, log)

	authService, err := service.NewAuthService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise local auth")
	}
	shellToken, err := authService.IssueShellToken()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue shell token")
	}
	if cfg.LocalTokenFile != "" {
		if err := service.WriteTokenFile(cfg.LocalTokenFile, shellToken); err != nil {
			log.Fatal().Err(err).Msg("Failed to write shell token")
		}
		log.Info().Str("path", cfg.LocalTokenFile).Msg("Shell token written")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessions, log),
		WS:      handler.NewWSHandler(hub, sessions, log, cfg.AllowedOrigins),
		System: handler.NewSystemHandler(sessions, hub, handler.SystemInfo{
			Version:           version,
			BackendURL:        cfg.BackendURL,
			CheckpointBackend: cfg.CheckpointBackend,
		}, log),
	}

	r := router.SetupRouter(ctx, authService, handlers, cfg, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// ─── Start Server ──────────────────────────────────────────────────
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ─── Start Background Workers ─────────────────────────────────────
	if purger, ok := store.(worker.Purger); ok {
		sweeper := worker.NewCheckpointSweeper(purger, cfg.CheckpointTTL, cfg.SweepInterval, log)
		g.Go(func() error {
			sweeper.Start(gctx)
			return nil
		})
	}

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests (5s timeout).
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// 2. Stop the session without submitting; its checkpoint allows a resume.
		sessions.Shutdown()
		hub.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Agent stopped with error")
		return
	}
	log.Info().Msg("Shutdown complete")
}

func cameraFactory(cfg *config.Config) service.CameraFactory {
	if cfg.CameraSnapshotPath == "" {
		return func() capture.Camera { return capture.NoCamera{} }
	}
	return func() capture.Camera { return capture.NewSnapshotCamera(cfg.CameraSnapshotPath) }
}

func tuning(cfg *config.Config) session.Tuning {
	t := session.DefaultTuning()
	t.AutosaveInterval = cfg.AutosaveInterval
	t.ReconnectDelay = cfg.ReconnectDelay
	t.PingInterval = cfg.PingInterval
	t.SubmitTimeout = cfg.SubmitTimeout
	t.ViolationWindow = cfg.ViolationWindow
	t.FrameMaxWidth = cfg.FrameMaxWidth
	t.FrameQuality = cfg.FrameQuality
	return t
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// tokenFile is watched only when BACKEND_TOKEN does not pin the token.
func tokenFile(cfg *config.Config) string {
	if !cfg.TokenFromFile {
		return ""
	}
	return cfg.BackendTokenFile
}
