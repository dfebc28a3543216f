package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration as read from YAML.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Limits struct {
		MaxSourceBytes int `yaml:"max_source_bytes"`
		MaxOutputBytes int `yaml:"max_output_bytes"`
	} `yaml:"limits"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RenderCacheEnabled bool          `yaml:"render_cache_enabled"`
		RenderCacheTTL     time.Duration `yaml:"render_cache_ttl"`
		RedisHost          string        `yaml:"redis_host"`
		RateLimitDB        int           `yaml:"redis_rate_db"`
		RenderCacheDB      int           `yaml:"redis_render_db"`
	} `yaml:"cache"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Enabled        bool           `yaml:"enabled"`
		ReloadInterval time.Duration  `yaml:"reload_interval"`
		Postgres       PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`

	Renderer RendererConfig `yaml:"renderer"`
}

// PostgresConfig describes the token database. Host may also carry a full
// postgres:// URL, in which case the other fields are ignored.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// RendererConfig controls how diagrams are produced.
type RendererConfig struct {
	// Backend is "cli" (external mmdc process) or "chrome" (headless Chrome + mermaid.js).
	Backend string `yaml:"backend"`

	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	PuppeteerConfig string   `yaml:"puppeteer_config"`
	Background      string   `yaml:"background"`
	Width           int      `yaml:"width"`
	Height          int      `yaml:"height"`
	Scale           float64  `yaml:"scale"`
	ScratchDir      string   `yaml:"scratch_dir"`
	TimeoutSecs     int      `yaml:"timeout_secs"`

	ChromePath       string `yaml:"chrome_path"`
	ChromeNoSandbox  bool   `yaml:"chrome_no_sandbox"`
	MermaidScriptURL string `yaml:"mermaid_script_url"`
}

const (
	BackendCLI    = "cli"
	BackendChrome = "chrome"

	defaultConfigPath     = "config.yaml"
	defaultCommand        = "mmdc"
	defaultTimeoutSecs    = 30
	defaultMaxSourceBytes = 256 * 1024
	defaultMaxOutputBytes = 20 * 1024 * 1024
	defaultMermaidScript  = "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.min.js"
)

// LoadConfig reads the file named by CONFIG_PATH (or config.yaml) and applies
// environment overrides. It panics on unreadable or invalid configuration.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	return LoadConfigFrom(path)
}

// LoadConfigFrom is LoadConfig for an explicit path.
func LoadConfigFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config %q: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("cannot parse config %q: %v", path, err))
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config %q: %v", path, err))
	}
	return cfg
}

// DefaultConfig is the configuration used when no file is given: defaults plus
// environment overrides.
func DefaultConfig() Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MMDC_BIN"); v != "" {
		cfg.Renderer.Command = v
	}
	if v := os.Getenv("CHROME_BIN"); v != "" && cfg.Renderer.ChromePath == "" {
		cfg.Renderer.ChromePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if !strings.HasPrefix(v, ":") {
			v = ":" + v
		}
		cfg.Server.Port = v
	}
}

// ApplyDefaults fills zero values. It is also used by callers that build a
// Config in code rather than from a file.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":5001"
	}
	if cfg.Limits.MaxSourceBytes <= 0 {
		cfg.Limits.MaxSourceBytes = defaultMaxSourceBytes
	}
	if cfg.Limits.MaxOutputBytes <= 0 {
		cfg.Limits.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.RateLimiter.Interval <= 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
	if cfg.Auth.ReloadInterval <= 0 {
		cfg.Auth.ReloadInterval = time.Minute
	}
	cfg.Renderer.ApplyDefaults()
}

// ApplyDefaults fills zero renderer settings.
func (rc *RendererConfig) ApplyDefaults() {
	if rc.Backend == "" {
		rc.Backend = BackendCLI
	}
	if rc.Command == "" {
		rc.Command = defaultCommand
	}
	if rc.TimeoutSecs <= 0 {
		rc.TimeoutSecs = defaultTimeoutSecs
	}
	if rc.MermaidScriptURL == "" {
		rc.MermaidScriptURL = defaultMermaidScript
	}
}

// Timeout is TimeoutSecs as a duration.
func (rc RendererConfig) Timeout() time.Duration {
	return time.Duration(rc.TimeoutSecs) * time.Second
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch cfg.Renderer.Backend {
	case BackendCLI, BackendChrome:
	default:
		return fmt.Errorf("renderer.backend must be %q or %q, got %q", BackendCLI, BackendChrome, cfg.Renderer.Backend)
	}
	if cfg.Renderer.Scale < 0 {
		return fmt.Errorf("renderer.scale must not be negative")
	}
	if cfg.Renderer.Width < 0 || cfg.Renderer.Height < 0 {
		return fmt.Errorf("renderer.width and renderer.height must not be negative")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	if cfg.Cache.RenderCacheEnabled && cfg.Cache.RedisHost == "" {
		return fmt.Errorf("cache.redis_host is required when the render cache is enabled")
	}
	if cfg.Auth.Enabled && cfg.Auth.Postgres.Host == "" {
		return fmt.Errorf("auth.postgres.host is required when auth is enabled")
	}
	return nil
}
