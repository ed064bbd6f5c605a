package capture

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
)

// CameraConfig describes the capture device.
type CameraConfig struct {
	FFmpeg         string        // ffmpeg binary
	Device         string        // /dev/video0, or the dshow/avfoundation device name
	Format         string        // input format; empty picks one for the OS
	FPS            uint
	Width          int
	Height         int
	AcquireTimeout time.Duration // how long to wait for the first frame
}

func (c CameraConfig) inputFormat() string {
	if c.Format != "" {
		return c.Format
	}
	switch runtime.GOOS {
	case "windows":
		return "dshow"
	case "darwin":
		return "avfoundation"
	default:
		return "v4l2"
	}
}

func (c CameraConfig) inputArgs() []string {
	format := c.inputFormat()
	device := c.Device
	if format == "dshow" {
		device = fmt.Sprintf("video=%s", c.Device)
	}
	return []string{"-f", format, "-i", device}
}

// NewCameraStream returns an ffmpeg stream reading the configured device.
func NewCameraStream(cfg CameraConfig) Stream {
	args := append(cfg.inputArgs(), rawOutputArgs(cfg.FPS, cfg.Width, cfg.Height)...)
	return newFFmpegStream(cfg.FFmpeg, args, cfg.Width, cfg.Height)
}

// FFmpegAcquirer opens the camera through ffmpeg.
type FFmpegAcquirer struct {
	cfg CameraConfig
}

// NewFFmpegAcquirer returns a camera acquirer for cfg.
func NewFFmpegAcquirer(cfg CameraConfig) *FFmpegAcquirer {
	if cfg.FPS == 0 {
		cfg.FPS = 15
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &FFmpegAcquirer{cfg: cfg}
}

// AcquireStream starts the camera and waits for its first frame. Any
// failure is reported as ErrCameraUnavailable and leaves nothing running.
func (a *FFmpegAcquirer) AcquireStream(ctx context.Context) (Source, error) {
	logger.Info("Capture", "Requesting camera %s (%s, %dx%d@%d)",
		a.cfg.Device, a.cfg.inputFormat(), a.cfg.Width, a.cfg.Height, a.cfg.FPS)

	surface, err := Bind(KindCamera, NewCameraStream(a.cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	defer cancel()

	if err := surface.WaitFirstFrame(waitCtx); err != nil {
		_ = surface.Close()
		return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}
	return surface, nil
}
