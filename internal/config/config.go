package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Printers PrintersConfig `yaml:"printers"`
	Queue    QueueConfig    `yaml:"queue"`
	Rules    RulesConfig    `yaml:"rules"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	JWTSecret    string        `yaml:"jwt_secret"`
	PasswordHash string        `yaml:"password_hash"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig selects the job/printer repository. Driver "memory" keeps
// everything in process; "sqlite" persists to Path.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type PrintersConfig struct {
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration  `yaml:"heartbeat_timeout"`
	ConnectionTimeout time.Duration  `yaml:"connection_timeout"`
	ProbeConnections  bool           `yaml:"probe_connections"`
	PreflightCheck    bool           `yaml:"preflight_check"`
	Devices           []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Address          string   `yaml:"address"`
	Port             int      `yaml:"port"`
	DPI              []int    `yaml:"dpi"`
	MaxLabelWidthMM  float64  `yaml:"max_label_width_mm"`
	MaxLabelHeightMM float64  `yaml:"max_label_height_mm"`
	Formats          []string `yaml:"formats"`
	LabelsPerMinute  float64  `yaml:"labels_per_minute"`
}

type QueueConfig struct {
	MaxConcurrentJobs int            `yaml:"max_concurrent_jobs"`
	MaxRetries        int            `yaml:"max_retries"`
	DefaultTimeout    time.Duration  `yaml:"default_timeout"`
	RetryDelay        time.Duration  `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration  `yaml:"max_retry_delay"`
	CancelGrace       time.Duration  `yaml:"cancel_grace"`
	PriorityWeights   map[string]int `yaml:"priority_weights"`
	LoadBalancing     string         `yaml:"load_balancing"`
	ErrorHandling     string         `yaml:"error_handling"`
}

type RulesConfig struct {
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	StopOnFirstError bool          `yaml:"stop_on_first_error"`
	HaltOnRuleError  bool          `yaml:"halt_on_rule_error"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	RateLimit   float64           `yaml:"rate_limit"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// ArchiveConfig moves finished jobs older than MaxAge out of the job
// repository into compressed files under Path.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    20,
			RateBurst:    40,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/labelpress.db",
		},
		Printers: PrintersConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			ConnectionTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrentJobs: 10,
			MaxRetries:        3,
			DefaultTimeout:    5 * time.Minute,
			RetryDelay:        5 * time.Second,
			MaxRetryDelay:     5 * time.Minute,
			CancelGrace:       10 * time.Second,
			PriorityWeights: map[string]int{
				"low":       1,
				"normal":    2,
				"high":      4,
				"urgent":    8,
				"immediate": 16,
			},
			LoadBalancing: "least_busy",
			ErrorHandling: "delayed_retry",
		},
		Rules: RulesConfig{
			MaxExecutionTime: 5 * time.Second,
		},
		Webhooks: WebhooksConfig{
			WorkerCount: 5,
			QueueSize:   1000,
			RetryCount:  3,
			RetryDelay:  time.Second,
			Timeout:     10 * time.Second,
			RateLimit:   50,
		},
		Archive: ArchiveConfig{
			Path:     "./data/archives",
			MaxAge:   30 * 24 * time.Hour,
			Interval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from LABELPRESS_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LABELPRESS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("LABELPRESS_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv("LABELPRESS_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("LABELPRESS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
		c.Auth.Enabled = true
	}

	if v := os.Getenv("LABELPRESS_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxConcurrentJobs = n
		}
	}

	if v := os.Getenv("LABELPRESS_LOAD_BALANCING"); v != "" {
		c.Queue.LoadBalancing = v
	}

	if v := os.Getenv("LABELPRESS_ERROR_HANDLING"); v != "" {
		c.Queue.ErrorHandling = v
	}

	if v := os.Getenv("LABELPRESS_ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
		c.Archive.Enabled = true
	}

	if v := os.Getenv("LABELPRESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("LABELPRESS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate limit must be non-negative")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt secret is empty")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid: memory, sqlite)", c.Database.Driver)
	}

	if c.Printers.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Printers.HeartbeatTimeout < c.Printers.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be at least the heartbeat interval")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	seen := make(map[string]bool)
	for i, d := range c.Printers.Devices {
		if d.ID == "" {
			return fmt.Errorf("printer device %d: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("printer device %s: duplicate id", d.ID)
		}
		seen[d.ID] = true
		if d.Address == "" {
			return fmt.Errorf("printer device %s: address is required", d.ID)
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("printer device %s: invalid port %d", d.ID, d.Port)
		}
	}

	if c.Queue.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}

	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Queue.MaxRetryDelay < c.Queue.RetryDelay {
		return fmt.Errorf("max retry delay must be at least the retry delay")
	}

	if c.Queue.CancelGrace <= 0 {
		return fmt.Errorf("cancel grace must be positive")
	}

	validPriorities := map[string]bool{
		"low": true, "normal": true, "high": true, "urgent": true, "immediate": true,
	}
	for k, w := range c.Queue.PriorityWeights {
		if !validPriorities[k] {
			return fmt.Errorf("unknown priority in priority weights: %s", k)
		}
		if w < 0 {
			return fmt.Errorf("priority weight for %s must be non-negative", k)
		}
	}

	validStrategies := map[string]bool{
		"round_robin":  true,
		"least_busy":   true,
		"capabilities": true,
		"performance":  true,
		"none":         true,
	}

	if !validStrategies[c.Queue.LoadBalancing] {
		return fmt.Errorf("invalid load balancing: %s (valid: round_robin, least_busy, capabilities, performance, none)", c.Queue.LoadBalancing)
	}

	validHandling := map[string]bool{
		"immediate_retry":     true,
		"delayed_retry":       true,
		"manual_intervention": true,
	}

	if !validHandling[c.Queue.ErrorHandling] {
		return fmt.Errorf("invalid error handling: %s (valid: immediate_retry, delayed_retry, manual_intervention)", c.Queue.ErrorHandling)
	}

	if c.Rules.MaxExecutionTime < 0 {
		return fmt.Errorf("rules max execution time must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d: url is required", i)
		}
	}

	if c.Webhooks.WorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return fmt.Errorf("archive path is required when archiving is enabled")
		}
		if c.Archive.MaxAge <= 0 {
			return fmt.Errorf("archive max age must be positive")
		}
		if c.Archive.Interval <= 0 {
			return fmt.Errorf("archive interval must be positive")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
