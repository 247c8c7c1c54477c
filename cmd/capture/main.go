package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/config"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/metrics"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/query"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/recording"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/server"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/transcode"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "sonic-brief-capture"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Bool("local_capture", len(cfg.Capture.Command) > 0),
		slog.Bool("udp_enabled", cfg.Capture.UDPEnabled),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.String("draft_path", cfg.Drafts.Path),
		slog.Bool("transcode_enabled", cfg.Transcode.Enabled),
		slog.String("backend_url", cfg.Backend.BaseURL),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	store, err := draft.Open(cfg.Drafts.Path, draft.Limits{
		MaxDraftBytes:  cfg.Drafts.MaxDraftBytes,
		QuotaBytes:     cfg.Drafts.QuotaBytes,
		QuotaWarnRatio: cfg.Drafts.QuotaWarnRatio,
	}, draft.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open draft store: %w", err)
	}
	defer store.Close()
	logger.Info("Draft store opened", slog.String("path", cfg.Drafts.Path))

	client, err := backend.NewClient(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		APIKey:        cfg.Backend.APIKey,
		Timeout:       cfg.Backend.GetTimeoutDuration(),
		MaxRetries:    cfg.Backend.MaxRetries,
		RetryDelay:    cfg.Backend.GetRetryDelay(),
		MaxConcurrent: cfg.Backend.MaxConcurrent,
	}, backend.WithRecorder(appMetrics))
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	defer client.Close()

	queries := query.NewService(client, queryConfig(cfg.Query), appMetrics, logger)

	var transcoder recording.Transcoder
	if cfg.Transcode.Enabled {
		engine := transcode.NewFFmpegEngine(cfg.Transcode.FFmpegPath)
		defer engine.Close()

		// Convert retries the load, so a missing binary only warns here
		if err := engine.Load(ctx); err != nil {
			logger.Warn("Transcoding engine unavailable, recordings will upload unconverted",
				slog.String("error", err.Error()))
		} else {
			logger.Info("Transcoding engine loaded", slog.String("version", engine.Version()))
		}

		bridge, err := transcode.NewBridge(engine, transcode.Options{
			Format:     cfg.Transcode.Format,
			Bitrate:    cfg.Transcode.Bitrate,
			SampleRate: cfg.Transcode.SampleRate,
			Channels:   cfg.Transcode.Channels,
			Timeout:    cfg.Transcode.GetTimeoutDuration(),
		}, logger)
		if err != nil {
			return fmt.Errorf("create transcoding bridge: %w", err)
		}
		transcoder = bridge
	}

	format := audio.PCMFormat{
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
		BitDepth:   cfg.Capture.BitDepth,
	}
	devices, err := localDevices(cfg.Capture, format, logger)
	if err != nil {
		return err
	}

	sessions, err := recording.NewManager(recording.Dependencies{
		Drafts:     store,
		Transcoder: transcoder,
		Uploader:   queries,
		Observer:   appMetrics,
		Logger:     logger,
	}, devices, recording.ManagerConfig{
		Controller: recording.Config{
			Timeslice:        cfg.Capture.GetTimeslice(),
			SnapshotInterval: cfg.Recording.GetSnapshotInterval(),
			HiddenDebounce:   cfg.Recording.GetHiddenDebounce(),
		},
		IdleTimeout:     cfg.Recording.GetSessionIdleTimeout(),
		DraftMaxAge:     cfg.Drafts.GetMaxAge(),
		CleanupInterval: cfg.Drafts.GetCleanupInterval(),
	})
	if err != nil {
		return fmt.Errorf("create recording manager: %w", err)
	}
	logger.Info("Recording manager initialized",
		slog.Duration("snapshot_interval", cfg.Recording.GetSnapshotInterval()),
		slog.Duration("idle_timeout", cfg.Recording.GetSessionIdleTimeout()),
	)

	var udpServer *server.UDPServer
	if cfg.Capture.UDPEnabled {
		udpServer = server.NewUDPServer(&cfg.Capture, logger, sessions, appMetrics, nil)
		if err := udpServer.Start(); err != nil {
			sessions.Shutdown(ctx)
			return fmt.Errorf("start UDP ingest: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Services{
			Sessions: sessions,
			Drafts:   store,
			Queries:  queries,
			UDP:      udpServer,
		}, appMetrics)
		if err := httpServer.Start(); err != nil {
			if udpServer != nil {
				udpServer.Stop()
			}
			sessions.Shutdown(ctx)
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP ingest", slog.String("error", err.Error()))
		}
		stats := udpServer.GetStatistics()
		logger.Info("Final ingest statistics",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	}

	// Anything still recording is saved as a draft before the store closes
	sessions.Shutdown(shutdownCtx)

	stats := client.GetStats()
	logger.Info("Final backend statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	return nil
}

// localDevices returns the device factory for sessions started through the
// API. Without a capture command only UDP-fed sessions can record.
func localDevices(cfg config.CaptureConfig, format audio.PCMFormat, logger *slog.Logger) (recording.DeviceFactory, error) {
	if len(cfg.Command) == 0 {
		return nil, nil
	}

	opener, err := capture.NewCommandOpener(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid capture command: %w", err)
	}

	// Every key records from the same command
	device, err := capture.NewReaderDevice(opener, format, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create capture device: %w", err)
	}

	return func(recording.Key) capture.Device { return device }, nil
}

func queryConfig(q config.QueryConfig) query.Config {
	return query.Config{
		CategoriesStale:    config.Seconds(q.CategoriesStale),
		JobsStale:          config.Seconds(q.JobsStale),
		JobStale:           config.Seconds(q.JobStale),
		TranscriptionStale: config.Seconds(q.TranscriptionStale),
		SharingStale:       config.Seconds(q.SharingStale),
		PollInterval:       config.Seconds(q.PollInterval),
		PollTimeout:        config.Seconds(q.PollTimeout),
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// A file path, rotated by size
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
