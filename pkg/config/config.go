package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the gallery ripper
type Config struct {
	// Discovery/scan settings
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Proxy pool settings
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Page cache settings
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScanConfig holds discovery settings
type ScanConfig struct {
	IncludeSpecialAlbums bool          `yaml:"include_special_albums" json:"include_special_albums"`
	QuickScan            bool          `yaml:"quick_scan" json:"quick_scan"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	UserAgent            string        `yaml:"user_agent" json:"user_agent"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Workers         int           `yaml:"workers" json:"workers"`
	OutputDirectory string        `yaml:"output_directory" json:"output_directory"`
	MimicHuman      bool          `yaml:"mimic_human" json:"mimic_human"`
	DownloadTimeout time.Duration `yaml:"download_timeout" json:"download_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
}

// ProxyConfig holds proxy pool configuration
type ProxyConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	ExplicitProxy         string        `yaml:"explicit_proxy" json:"explicit_proxy"`
	MinPoolSize           int           `yaml:"min_pool_size" json:"min_pool_size"`
	ValidationConcurrency int           `yaml:"validation_concurrency" json:"validation_concurrency"`
	ValidationTimeout     time.Duration `yaml:"validation_timeout" json:"validation_timeout"`
	ValidationTargets     []string      `yaml:"validation_targets" json:"validation_targets"`
	FailureThreshold      int           `yaml:"failure_threshold" json:"failure_threshold"`
	DeadCooldown          time.Duration `yaml:"dead_cooldown" json:"dead_cooldown"`
	CacheFile             string        `yaml:"cache_file" json:"cache_file"`
	HarvestSources        []string      `yaml:"harvest_sources" json:"harvest_sources"`
}

// CacheConfig holds page cache configuration
type CacheConfig struct {
	Directory string        `yaml:"directory" json:"directory"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	ImageInitialDelay time.Duration `yaml:"image_initial_delay" json:"image_initial_delay"`
	ImageMaxDelay     time.Duration `yaml:"image_max_delay" json:"image_max_delay"`
	MediaInitialDelay time.Duration `yaml:"media_initial_delay" json:"media_initial_delay"`
	MediaMaxDelay     time.Duration `yaml:"media_max_delay" json:"media_max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultValidationTargets are live gallery front pages used to confirm a
// proxy actually works against the kind of site we scrape. Overridable via
// config file or the proxies command.
var DefaultValidationTargets = []string{
	"https://coppermine-gallery.com/demo/",
	"https://www.theplace-2.com/photos/",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			IncludeSpecialAlbums: false,
			QuickScan:            true,
			FetchTimeout:         15 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
				"AppleWebKit/537.36 (KHTML, like Gecko) " +
				"Chrome/138.0.0.0 Safari/537.36",
		},
		Download: DownloadConfig{
			Workers:         4,
			OutputDirectory: "./downloads",
			MimicHuman:      true,
			DownloadTimeout: 60 * time.Second,
			RetryAttempts:   3,
		},
		Proxy: ProxyConfig{
			Enabled:               false,
			MinPoolSize:           5,
			ValidationConcurrency: 8,
			ValidationTimeout:     10 * time.Second,
			ValidationTargets:     DefaultValidationTargets,
			FailureThreshold:      3,
			DeadCooldown:          10 * time.Minute,
			CacheFile:             filepath.Join(".copperminer_cache", "proxies.json"),
		},
		Cache: CacheConfig{
			Directory: ".copperminer_cache",
			TTL:       0, // server validators decide staleness
		},
		RateLimit: RateLimitConfig{
			ImageInitialDelay: 350 * time.Millisecond,
			ImageMaxDelay:     3 * time.Second,
			MediaInitialDelay: 4 * time.Second,
			MediaMaxDelay:     20 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if ua := os.Getenv("COPPERMINER_USER_AGENT"); ua != "" {
		c.Scan.UserAgent = ua
	}
	if outputDir := os.Getenv("COPPERMINER_OUTPUT_DIR"); outputDir != "" {
		c.Download.OutputDirectory = outputDir
	}
	if workers := os.Getenv("COPPERMINER_DOWNLOAD_WORKERS"); workers != "" {
		if val, err := strconv.Atoi(workers); err == nil && val > 0 {
			c.Download.Workers = val
		}
	}
	if proxy := os.Getenv("COPPERMINER_PROXY"); proxy != "" {
		c.Proxy.ExplicitProxy = proxy
		c.Proxy.Enabled = true
	}
	if minPool := os.Getenv("COPPERMINER_MIN_PROXY_COUNT"); minPool != "" {
		if val, err := strconv.Atoi(minPool); err == nil && val >= 0 {
			c.Proxy.MinPoolSize = val
		}
	}
	if conc := os.Getenv("COPPERMINER_VALIDATION_CONCURRENCY"); conc != "" {
		if val, err := strconv.Atoi(conc); err == nil && val > 0 {
			c.Proxy.ValidationConcurrency = val
		}
	}
	if cacheDir := os.Getenv("COPPERMINER_CACHE_DIR"); cacheDir != "" {
		c.Cache.Directory = cacheDir
	}
	if logLevel := os.Getenv("COPPERMINER_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".copperminer.yaml",
		".copperminer.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "copperminer", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".copperminer.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("download workers must be positive"))
	}
	if c.Download.Workers > 16 {
		errs = append(errs, errors.New("download workers should not exceed 16"))
	}
	if c.Download.OutputDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Download.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}

	if c.Proxy.MinPoolSize < 0 {
		errs = append(errs, errors.New("minimum proxy pool size cannot be negative"))
	}
	if c.Proxy.ValidationConcurrency <= 0 {
		errs = append(errs, errors.New("proxy validation concurrency must be positive"))
	}
	if c.Proxy.FailureThreshold <= 0 {
		errs = append(errs, errors.New("proxy failure threshold must be positive"))
	}
	if c.Proxy.Enabled && len(c.Proxy.ValidationTargets) == 0 && c.Proxy.ExplicitProxy == "" {
		errs = append(errs, errors.New("proxy pool requires at least one validation target"))
	}

	if c.Cache.Directory == "" {
		errs = append(errs, errors.New("cache directory is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Download.OutputDirectory = outputDir
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Download.Workers = workers
	}
	if mimic, ok := flags["mimic-human"].(bool); ok {
		c.Download.MimicHuman = mimic
	}
	if specials, ok := flags["include-specials"].(bool); ok {
		c.Scan.IncludeSpecialAlbums = specials
	}
	if quick, ok := flags["quick-scan"].(bool); ok {
		c.Scan.QuickScan = quick
	}
	if proxy, ok := flags["proxy"].(string); ok && proxy != "" {
		c.Proxy.ExplicitProxy = proxy
		c.Proxy.Enabled = true
	}
	if minProxies, ok := flags["min-proxies"].(int); ok && minProxies > 0 {
		c.Proxy.MinPoolSize = minProxies
		c.Proxy.Enabled = true
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".copperminer.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
