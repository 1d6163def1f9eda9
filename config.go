package handd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9361"
	// DefaultStore points the server at the in-memory store when none is provided.
	DefaultStore = "mem://"
	// DefaultStaleAfter is how long a reserved slot may go without a
	// heartbeat before the sweeper frees it.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultSweeperInterval controls how often stale slots are reclaimed.
	DefaultSweeperInterval = time.Minute
	// DefaultJSONMaxBytes caps request bodies.
	DefaultJSONMaxBytes = 16 << 10
	// DefaultHTTP2MaxConcurrentStreams bounds streams per HTTP/2 connection.
	DefaultHTTP2MaxConcurrentStreams = 250
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config captures the server configuration.
type Config struct {
	Listen   string
	Store    string
	Password string

	// StaleAfter is the liveness window; zero disables reclamation.
	StaleAfter      time.Duration
	SweeperInterval time.Duration
	// DisableSweeper turns the background sweeper off; one-shot sweeps via
	// the CLI still work.
	DisableSweeper bool
	ReclaimOrphans bool
	VerifyClaims   bool

	SlotsFile      string
	WatchSlotsFile bool

	StrictAuthStatus          bool
	JSONMaxBytes              int64
	HTTP2MaxConcurrentStreams int
	ShutdownTimeout           time.Duration

	MetricsListen          string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string

	AWSRegion string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.Password == "" {
		return fmt.Errorf("config: password required (set --password or HANDD_PASSWORD)")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("config: stale-after must be >= 0")
	}
	if c.StaleAfter == 0 && !c.DisableSweeper {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweeperInterval < 0 {
		return fmt.Errorf("config: sweeper-interval must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.JSONMaxBytes < 0 {
		return fmt.Errorf("config: json-max must be >= 0")
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2-max-concurrent-streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultHTTP2MaxConcurrentStreams
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.WatchSlotsFile && strings.TrimSpace(c.SlotsFile) == "" {
		return fmt.Errorf("config: watch-slots-file requires slots-file")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the per-user configuration directory, honouring
// HANDD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HANDD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".handd"), nil
}
