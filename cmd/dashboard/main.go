package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/bike-counter/internal/capture"
	"github.com/dj-oyu/bike-counter/internal/config"
	"github.com/dj-oyu/bike-counter/internal/dashboard"
	"github.com/dj-oyu/bike-counter/internal/detector"
	"github.com/dj-oyu/bike-counter/internal/history"
	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/internal/loop"
	"github.com/dj-oyu/bike-counter/internal/metrics"
)

func main() {
	var (
		configPath string
		logLevel   string
		logColor   bool
		httpAddr   string
		printCfg   bool
	)
	flag.StringVar(&configPath, "config", "", "Config file (default: ./bikedash.yaml if present)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, silent); overrides the config file")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.StringVar(&httpAddr, "http", "", "HTTP server address; overrides the config file")
	flag.BoolVar(&printCfg, "print-config", false, "Print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if httpAddr != "" {
		cfg.Server.Addr = httpAddr
	}

	if printCfg {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			log.Fatalf("Failed to print config: %v", err)
		}
		return
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	logger.Info("Main", "Bike detection dashboard starting...")
	logger.Info("Main", "Log level: %s", level)
	if cfg.ConfigPath != "" {
		logger.Info("Main", "Config: %s", cfg.ConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()

	model := detector.Load(ctx, func(ctx context.Context) (detector.Detector, error) {
		return detector.DialRemote(ctx, cfg.Detector.URL, detector.RemoteOptions{
			HandshakeTimeout: cfg.Detector.HandshakeTimeout,
			RequestTimeout:   cfg.Detector.RequestTimeout,
			JPEGQuality:      cfg.Detector.JPEGQuality,
		})
	})
	defer model.Close()
	go func() {
		<-model.Done()
		m.SetModelReady(model.Ready())
	}()

	fps := uint(cfg.Media.FPS)
	camera := capture.NewFFmpegAcquirer(capture.CameraConfig{
		FFmpeg:         cfg.Media.FFmpeg,
		Device:         cfg.Camera.Device,
		Format:         cfg.Camera.Format,
		FPS:            fps,
		Width:          cfg.Media.Width,
		Height:         cfg.Media.Height,
		AcquireTimeout: cfg.Camera.AcquireTimeout,
	})
	uploads := capture.NewUploader(capture.UploadConfig{
		Dir: cfg.Upload.Dir,
		File: capture.FileConfig{
			FFmpeg:    cfg.Media.FFmpeg,
			FFprobe:   cfg.Media.FFprobe,
			FPS:       fps,
			MaxWidth:  cfg.Media.Width,
			MaxHeight: cfg.Media.Height,
			Loop:      cfg.Upload.Loop,
		},
		FirstFrameIn: cfg.Upload.FirstFrameTimeout,
	})

	session := dashboard.NewSession(dashboard.Deps{
		Model:   model,
		Camera:  camera,
		Uploads: uploads,
		History: history.New(cfg.History.Capacity,
			history.WithLayout(cfg.History.TimeLayout)),
		Scheduler: loop.TickerScheduler{Interval: cfg.Loop.RefreshInterval},
		Classes:   cfg.Detector.Classes,
		Metrics:   m,
	})

	server := dashboard.NewServer(dashboard.Config{
		StatusInterval: cfg.Server.StatusInterval,
		MJPEGInterval:  cfg.Server.MJPEGInterval,
		JPEGQuality:    cfg.Server.JPEGQuality,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	}, session, m)
	server.Start()
	defer server.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers := []*http.Server{httpServer}
	if cfg.Server.MetricsAddr != "" {
		servers = append(servers, m.Server(cfg.Server.MetricsAddr))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("Main", "Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Long-lived streams end when their hubs close.
		server.Stop()
		if err := session.Close(shutdownCtx); err != nil {
			logger.Warn("Main", "Detection loop did not stop: %v", err)
		}

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
