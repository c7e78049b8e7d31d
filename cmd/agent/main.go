package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/bus"
	"github.com/ilaydaydemir/screencast/internal/capture"
	"github.com/ilaydaydemir/screencast/internal/config"
	"github.com/ilaydaydemir/screencast/internal/logger"
	"github.com/ilaydaydemir/screencast/internal/preview"
	"github.com/ilaydaydemir/screencast/internal/server"
	"github.com/ilaydaydemir/screencast/internal/session"
	"github.com/ilaydaydemir/screencast/internal/store"
	"github.com/ilaydaydemir/screencast/internal/upload"
)

// workerProvider adapts the capture manager to the controller's surface.
type workerProvider struct {
	manager *capture.Manager
}

func (p workerProvider) Ensure(ctx context.Context) (session.Worker, error) {
	worker, err := p.manager.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (p workerProvider) Current() session.Worker {
	if worker := p.manager.Current(); worker != nil {
		return worker
	}
	return nil
}

func (p workerProvider) Release() {
	p.manager.Release()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog := logger.New(cfg.LogPath, cfg.Debug)
	defer zlog.Sync()

	zlog.Info("agent starting",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("chunk_db", cfg.Storage.ChunkDBPath))

	events := bus.New(zlog)
	defer events.Close()

	chunkStore, err := store.Open(cfg.Storage.ChunkDBPath, zlog)
	if err != nil {
		zlog.Fatal("failed to open chunk store", zap.Error(err))
	}
	defer chunkStore.Close()

	client := upload.NewClient(cfg.Backend, zlog)
	uploader := upload.NewUploader(client, cfg.Upload.BatchSize, cfg.Upload.FallbackAttempts, zlog)
	defer uploader.Close()

	ffmpeg := capture.NewFFmpeg(cfg.Capture.FFmpegPath)
	if err := ffmpeg.CheckAvailable(); err != nil {
		zlog.Warn("ffmpeg not available, capture will fail until installed", zap.Error(err))
	}

	ingest := capture.NewIngest(cfg.Ingest.Port, zlog)
	go func() {
		if err := ingest.Start(); err != nil {
			zlog.Error("ingest listener stopped", zap.Error(err))
		}
	}()

	previewMgr, err := preview.NewManager(zlog)
	if err != nil {
		zlog.Fatal("failed to create preview manager", zap.Error(err))
	}
	defer previewMgr.CloseAll()

	workerCfg := capture.WorkerConfig{
		Params: capture.Params{
			Width:     cfg.Capture.Width,
			Height:    cfg.Capture.Height,
			FrameRate: cfg.Capture.FrameRate,
		},
		FragmentInterval: cfg.Capture.FragmentInterval,
		KeepaliveTTL:     cfg.Capture.KeepaliveTTL,
		Preview:          previewMgr,
	}
	manager := capture.NewManager(workerCfg, ffmpeg, ingest, chunkStore, uploader,
		cfg.Capture.ContextReady, cfg.Capture.ProbeInterval, zlog)
	keepalive := capture.NewKeepalive(cfg.Capture.KeepaliveTTL, zlog)

	controller := session.NewController(cfg.Capture, cfg.Storage.DownloadDir,
		workerProvider{manager: manager}, keepalive, chunkStore, client, uploader, events, zlog)
	controller.SetPoster(ffmpeg)
	manager.OnLost(controller.HandleContextLost)
	manager.OnStreamEnd(controller.HandleStreamEnd)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(events, zlog)
	go func() {
		if err := hub.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error("event hub stopped", zap.Error(err))
		}
	}()

	srv := server.New(cfg, controller, ffmpeg, previewMgr, hub, zlog)
	srv.RegisterRoutes()

	go func() {
		if err := srv.Listen(); err != nil {
			zlog.Fatal("http server error", zap.Error(err))
		}
	}()

	<-runCtx.Done()
	zlog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		zlog.Warn("server forced to shut down", zap.Error(err))
	}
	manager.Release()
	zlog.Info("agent exiting")
}
