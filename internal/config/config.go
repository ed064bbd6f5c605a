// Package config loads the dashboard configuration from defaults, an
// optional YAML file and BIKEDASH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BIKEDASH_SERVER_ADDR.
const EnvPrefix = "BIKEDASH"

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	LogLevel string         `mapstructure:"log-level" yaml:"log-level"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Detector DetectorConfig `mapstructure:"detector" yaml:"detector"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`
	Camera   CameraConfig   `mapstructure:"camera" yaml:"camera"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	Loop     LoopConfig     `mapstructure:"loop" yaml:"loop"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`

	// ConfigPath is the file the configuration was read from, if any.
	ConfigPath string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MetricsAddr     string        `mapstructure:"metrics-addr" yaml:"metrics-addr"`
	StatusInterval  time.Duration `mapstructure:"status-interval" yaml:"status-interval"`
	MJPEGInterval   time.Duration `mapstructure:"mjpeg-interval" yaml:"mjpeg-interval"`
	JPEGQuality     int           `mapstructure:"jpeg-quality" yaml:"jpeg-quality"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
}

type DetectorConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout" yaml:"handshake-timeout"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	JPEGQuality      int           `mapstructure:"jpeg-quality" yaml:"jpeg-quality"`
	Classes          []string      `mapstructure:"classes" yaml:"classes"`
}

type MediaConfig struct {
	FFmpeg  string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe" yaml:"ffprobe"`
	FPS     int    `mapstructure:"fps" yaml:"fps"`
	Width   int    `mapstructure:"width" yaml:"width"`
	Height  int    `mapstructure:"height" yaml:"height"`
}

type CameraConfig struct {
	Device         string        `mapstructure:"device" yaml:"device"`
	Format         string        `mapstructure:"format" yaml:"format"`
	AcquireTimeout time.Duration `mapstructure:"acquire-timeout" yaml:"acquire-timeout"`
}

type UploadConfig struct {
	Dir               string        `mapstructure:"dir" yaml:"dir"`
	MaxBytes          int64         `mapstructure:"max-bytes" yaml:"max-bytes"`
	Loop              bool          `mapstructure:"loop" yaml:"loop"`
	FirstFrameTimeout time.Duration `mapstructure:"first-frame-timeout" yaml:"first-frame-timeout"`
}

type LoopConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh-interval" yaml:"refresh-interval"`
}

type HistoryConfig struct {
	Capacity   int    `mapstructure:"capacity" yaml:"capacity"`
	TimeLayout string `mapstructure:"time-layout" yaml:"time-layout"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			StatusInterval:  time.Second,
			MJPEGInterval:   66 * time.Millisecond,
			JPEGQuality:     75,
			ShutdownTimeout: 5 * time.Second,
		},
		Detector: DetectorConfig{
			URL:              "ws://localhost:8090/ws",
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   5 * time.Second,
			JPEGQuality:      80,
			Classes:          []string{"bicycle", "motorcycle"},
		},
		Media: MediaConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
			FPS:     15,
			Width:   640,
			Height:  480,
		},
		Camera: CameraConfig{
			Device:         "/dev/video0",
			AcquireTimeout: 5 * time.Second,
		},
		Upload: UploadConfig{
			MaxBytes:          200 << 20,
			FirstFrameTimeout: 5 * time.Second,
		},
		Loop: LoopConfig{
			RefreshInterval: time.Second / 30,
		},
		History: HistoryConfig{
			Capacity:   10,
			TimeLayout: "2006-01-02 15:04:05",
		},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log-level", d.LogLevel)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.metrics-addr", d.Server.MetricsAddr)
	v.SetDefault("server.status-interval", d.Server.StatusInterval)
	v.SetDefault("server.mjpeg-interval", d.Server.MJPEGInterval)
	v.SetDefault("server.jpeg-quality", d.Server.JPEGQuality)
	v.SetDefault("server.shutdown-timeout", d.Server.ShutdownTimeout)

	v.SetDefault("detector.url", d.Detector.URL)
	v.SetDefault("detector.handshake-timeout", d.Detector.HandshakeTimeout)
	v.SetDefault("detector.request-timeout", d.Detector.RequestTimeout)
	v.SetDefault("detector.jpeg-quality", d.Detector.JPEGQuality)
	v.SetDefault("detector.classes", d.Detector.Classes)

	v.SetDefault("media.ffmpeg", d.Media.FFmpeg)
	v.SetDefault("media.ffprobe", d.Media.FFprobe)
	v.SetDefault("media.fps", d.Media.FPS)
	v.SetDefault("media.width", d.Media.Width)
	v.SetDefault("media.height", d.Media.Height)

	v.SetDefault("camera.device", d.Camera.Device)
	v.SetDefault("camera.format", d.Camera.Format)
	v.SetDefault("camera.acquire-timeout", d.Camera.AcquireTimeout)

	v.SetDefault("upload.dir", d.Upload.Dir)
	v.SetDefault("upload.max-bytes", d.Upload.MaxBytes)
	v.SetDefault("upload.loop", d.Upload.Loop)
	v.SetDefault("upload.first-frame-timeout", d.Upload.FirstFrameTimeout)

	v.SetDefault("loop.refresh-interval", d.Loop.RefreshInterval)

	v.SetDefault("history.capacity", d.History.Capacity)
	v.SetDefault("history.time-layout", d.History.TimeLayout)
}

// Load reads the configuration. An explicit configPath must exist; without
// one, bikedash.yaml is looked up in the working directory and
// $HOME/.config/bikedash and silently skipped when absent.
func Load(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bikedash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/bikedash")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &configFileNotFound) {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteYAML writes c in the config file format, so the effective settings
// can be saved and loaded back.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// Validate checks addresses, intervals and limits.
func (c Config) Validate() error {
	if err := validateAddr("server.addr", c.Server.Addr); err != nil {
		return err
	}
	if c.Server.MetricsAddr != "" {
		if err := validateAddr("server.metrics-addr", c.Server.MetricsAddr); err != nil {
			return err
		}
	}
	if c.Detector.URL == "" {
		return errors.New("detector.url is required")
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"server.status-interval", c.Server.StatusInterval},
		{"server.mjpeg-interval", c.Server.MJPEGInterval},
		{"detector.request-timeout", c.Detector.RequestTimeout},
		{"camera.acquire-timeout", c.Camera.AcquireTimeout},
		{"loop.refresh-interval", c.Loop.RefreshInterval},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("invalid %s: %s", p.key, p.val)
		}
	}

	for key, q := range map[string]int{
		"server.jpeg-quality":   c.Server.JPEGQuality,
		"detector.jpeg-quality": c.Detector.JPEGQuality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("invalid %s: %d", key, q)
		}
	}

	if c.Media.FPS <= 0 || c.Media.Width <= 0 || c.Media.Height <= 0 {
		return fmt.Errorf("invalid media geometry: %dx%d@%d", c.Media.Width, c.Media.Height, c.Media.FPS)
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("invalid history.capacity: %d", c.History.Capacity)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("invalid upload.max-bytes: %d", c.Upload.MaxBytes)
	}
	return nil
}

func validateAddr(key, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s port: %q", key, portStr)
	}
	return nil
}
