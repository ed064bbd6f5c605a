package dashboard

import "time"

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	StatusInterval time.Duration
	MJPEGInterval  time.Duration
	JPEGQuality    int
	MaxUploadBytes int64
}

// DefaultConfig returns the built-in dashboard settings.
func DefaultConfig() Config {
	return Config{
		StatusInterval: time.Second,
		MJPEGInterval:  66 * time.Millisecond,
		JPEGQuality:    75,
		MaxUploadBytes: 200 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.MJPEGInterval <= 0 {
		c.MJPEGInterval = def.MJPEGInterval
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	return c
}
