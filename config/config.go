package config

import (
	"os"
	"time"

	"github.com/pitabwire/frame/config"
)

// ServiceConfig holds every environment-driven setting for the bridge.
// It is populated once at startup and never mutated.
type ServiceConfig struct {
	config.ConfigurationDefault
	Port                 int    `envDefault:"3000"                          env:"PORT"`
	PythonURL            string `envDefault:"http://localhost:8000/process" env:"PYTHON_URL"`
	PythonTimeoutMs      int    `envDefault:"120000"                        env:"PYTHON_TIMEOUT_MS"`
	GstBin               string `envDefault:"gst-launch-1.0"                env:"GST_BIN"`
	EgressChunkSeconds   int    `envDefault:"5"                             env:"EGRESS_CHUNK_SECONDS"`
	EgressDir            string `envDefault:""                              env:"EGRESS_DIR"`
	AutoEgress           bool   `envDefault:"false"                         env:"AUTO_EGRESS"`
	WatchPollMs          int    `envDefault:"250"                           env:"WATCH_POLL_MS"`
	GstJitterLatencyMs   int    `envDefault:"50"                            env:"GST_JITTER_LATENCY_MS"`
	MaxEgressPortRetries int    `envDefault:"10"                            env:"MAX_EGRESS_PORT_RETRIES"`
	GstStartupGraceMs    int    `envDefault:"400"                           env:"GST_STARTUP_GRACE_MS"`
	RTCMinPort           int    `envDefault:"20000"                         env:"RTC_MIN_PORT"`
	RTCMaxPort           int    `envDefault:"30000"                         env:"RTC_MAX_PORT"`
	AnnouncedIP          string `envDefault:""                              env:"ANNOUNCED_IP"`
}

// SpoolDir returns the segment spool directory, defaulting to the OS temp dir.
func (c *ServiceConfig) SpoolDir() string {
	if c.EgressDir != "" {
		return c.EgressDir
	}
	return os.TempDir()
}

// ForwardTimeout returns the end-to-end analysis forward timeout.
func (c *ServiceConfig) ForwardTimeout() time.Duration {
	return time.Duration(c.PythonTimeoutMs) * time.Millisecond
}

// PollInterval returns the spool scan interval.
func (c *ServiceConfig) PollInterval() time.Duration {
	return time.Duration(c.WatchPollMs) * time.Millisecond
}

// StartupGrace returns the pipeline health-gate delay.
func (c *ServiceConfig) StartupGrace() time.Duration {
	return time.Duration(c.GstStartupGraceMs) * time.Millisecond
}
