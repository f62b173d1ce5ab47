package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SHELF_MAX_PAGES.
const EnvPrefix = "SHELF"

// Config holds service and ingestion configuration.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	MaxPages        int           `mapstructure:"max_pages"`
	PageInterval    time.Duration `mapstructure:"page_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	AcceptLanguage  string        `mapstructure:"accept_language"`
	CookieFile      string        `mapstructure:"cookie_file"`
	StoreFile       string        `mapstructure:"store_file"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	StopOnEmptyPage bool          `mapstructure:"stop_on_empty_page"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	QueryCacheSize  int           `mapstructure:"query_cache_size"`
	Verbose         bool          `mapstructure:"verbose"`
}

// DefaultConfig mirrors the upstream site's shelf layout and polite request pacing.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://www.goodreads.com",
		MaxPages:        25,
		PageInterval:    2 * time.Second,
		Timeout:         15 * time.Second,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		CookieFile:      "cookie.txt",
		StoreFile:       "books_raw.jl",
		ListenAddr:      ":5000",
		StopOnEmptyPage: false,
		MaxRetries:      0,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		QueryCacheSize:  128,
		Verbose:         false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxPages > 100 {
		return fmt.Errorf("max pages cannot exceed 100")
	}
	if c.PageInterval < 0 {
		return fmt.Errorf("page interval cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.StoreFile == "" {
		return fmt.Errorf("store file cannot be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.QueryCacheSize <= 0 {
		return fmt.Errorf("query cache size must be positive")
	}

	return nil
}

// Load reads configuration from defaults, an optional YAML file and SHELF_* environment
// variables, in increasing order of precedence. An empty path skips the file lookup
// unless shelfscraper.yaml exists in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shelfscraper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("max_pages", cfg.MaxPages)
	v.SetDefault("page_interval", cfg.PageInterval)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("accept_language", cfg.AcceptLanguage)
	v.SetDefault("cookie_file", cfg.CookieFile)
	v.SetDefault("store_file", cfg.StoreFile)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("stop_on_empty_page", cfg.StopOnEmptyPage)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retry_backoff", cfg.RetryBackoff)
	v.SetDefault("retry_backoff_max", cfg.RetryBackoffMax)
	v.SetDefault("query_cache_size", cfg.QueryCacheSize)
	v.SetDefault("verbose", cfg.Verbose)
}
