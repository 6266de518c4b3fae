package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/voxtail/internal/app"
	"github.com/antoniostano/voxtail/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, closeLog := config.SetupLogger("voxtail", cfg.LogFile, cfg.LogLevel)
	defer closeLog()

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup incomplete", "error", err)
		}
	}()

	p := built.Providers
	logger.Info("providers resolved",
		"transcribe", p.TranscribeDetail,
		"embed", p.EmbedDetail,
		"summary", p.SummaryDetail,
		"profile_store", built.Config.ProfileStore,
	)

	if err := built.Sessions.PrepareAudioDir(); err != nil {
		logger.Error("audio directory unusable", "dir", built.Config.AudioDir, "error", err)
		os.Exit(1)
	}
	// A failed sync keeps the cached names.
	if synced, err := built.Profiles.Sync(ctx); err != nil {
		logger.Warn("profile cache sync failed", "error", err)
	} else {
		logger.Info("profile cache synced", "profiles", len(synced))
	}

	httpServer := &http.Server{
		Addr:    built.Config.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, built.Config.SessionSweepPeriod)

	go func() {
		logger.Info("server listening", "addr", built.Config.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), built.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
