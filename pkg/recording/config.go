package recording

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the session manager. Defaults are loaded
// first, then an optional YAML file, then the environment, so deployments can
// override selectively.
type Config struct {
	// BaseURL is the http(s) root of the transcription service. The audio
	// stream endpoint is derived from it unless WSBaseURL is set.
	BaseURL   string `yaml:"base_url"`
	WSBaseURL string `yaml:"ws_base_url"`

	// APIKey signs locally minted stream tokens. TokenEndpoint, when set,
	// takes precedence and tokens are fetched instead.
	APIKey        string `yaml:"api_key"`
	TokenEndpoint string `yaml:"token_endpoint"`

	// StorePath backs the file store. Empty selects an in-memory store.
	StorePath string `yaml:"store_path"`

	// Heartbeat and coordination timings, milliseconds.
	PingIntervalMs     int `yaml:"ping_interval_ms"`
	PongTimeoutMs      int `yaml:"pong_timeout_ms"`
	MaxPingMisses      int `yaml:"max_ping_misses"`
	OwnerHeartbeatMs   int `yaml:"owner_heartbeat_ms"`
	StaleAfterMs       int `yaml:"stale_after_ms"`
	TakeoverTimeoutMs  int `yaml:"takeover_timeout_ms"`
	BackgroundPingMult int `yaml:"background_ping_mult"`

	QueueCapacity int `yaml:"queue_capacity"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://localhost:8000",
		PingIntervalMs:     2000,
		PongTimeoutMs:      3000,
		MaxPingMisses:      3,
		OwnerHeartbeatMs:   1000,
		StaleAfterMs:       5000,
		TakeoverTimeoutMs:  2500,
		BackgroundPingMult: 3,
		QueueCapacity:      DefaultQueueCapacity,
		LogLevel:           "info",
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file at path
// (skipped when empty or absent), then environment variables.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	c.loadFromEnv()
	return c, nil
}

func (c *Config) loadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("RECORDER_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("RECORDER_WS_BASE_URL"); v != "" {
		c.WSBaseURL = v
	}
	if v := os.Getenv("RECORDER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("RECORDER_TOKEN_ENDPOINT"); v != "" {
		c.TokenEndpoint = v
	}
	if v := os.Getenv("RECORDER_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("RECORDER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RECORDER_PING_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PingIntervalMs = n
		}
	}
	if v := os.Getenv("RECORDER_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueueCapacity = n
		}
	}
}

// Validate returns the list of configuration issues.
func (c *Config) Validate() []string {
	issues := []string{}

	if c.BaseURL == "" {
		issues = append(issues, "base_url is required")
	} else if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		issues = append(issues, fmt.Sprintf("base_url must be http(s): %s", c.BaseURL))
	}
	if c.WSBaseURL != "" && !strings.HasPrefix(c.WSBaseURL, "ws") {
		issues = append(issues, fmt.Sprintf("ws_base_url must be ws(s): %s", c.WSBaseURL))
	}
	if c.APIKey == "" && c.TokenEndpoint == "" {
		issues = append(issues, "either api_key or token_endpoint must be set")
	}
	if c.MaxPingMisses < 1 {
		issues = append(issues, "max_ping_misses must be at least 1")
	}
	if c.StaleAfterMs <= c.OwnerHeartbeatMs {
		issues = append(issues, "stale_after_ms must exceed owner_heartbeat_ms")
	}
	if c.QueueCapacity < 1 {
		issues = append(issues, "queue_capacity must be positive")
	}
	return issues
}

// WSURL returns the websocket root, deriving it from BaseURL when no
// explicit override is configured.
func (c *Config) WSURL() string {
	if c.WSBaseURL != "" {
		return c.WSBaseURL
	}
	url := c.BaseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c *Config) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutMs) * time.Millisecond
}

func (c *Config) OwnerHeartbeat() time.Duration {
	return time.Duration(c.OwnerHeartbeatMs) * time.Millisecond
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

func (c *Config) TakeoverTimeout() time.Duration {
	return time.Duration(c.TakeoverTimeoutMs) * time.Millisecond
}
