package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Download.Workers != 4 {
		t.Errorf("Expected default download workers to be 4, got %d", config.Download.Workers)
	}

	if config.Download.OutputDirectory != "./downloads" {
		t.Errorf("Expected default output directory to be ./downloads, got %s", config.Download.OutputDirectory)
	}

	if !config.Download.MimicHuman {
		t.Error("Expected mimic-human pacing to be enabled by default")
	}

	if config.Cache.Directory != ".copperminer_cache" {
		t.Errorf("Expected default cache directory to be .copperminer_cache, got %s", config.Cache.Directory)
	}

	if config.Proxy.Enabled {
		t.Error("Expected proxy pool to be disabled by default")
	}

	if len(config.Proxy.ValidationTargets) == 0 {
		t.Error("Expected default proxy validation targets to be populated")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COPPERMINER_OUTPUT_DIR", "/tmp/test-downloads")
	os.Setenv("COPPERMINER_DOWNLOAD_WORKERS", "6")
	os.Setenv("COPPERMINER_PROXY", "socks5://127.0.0.1:9050")
	os.Setenv("COPPERMINER_CACHE_DIR", "/tmp/test-cache")
	os.Setenv("COPPERMINER_LOG_LEVEL", "debug")

	defer func() {
		os.Unsetenv("COPPERMINER_OUTPUT_DIR")
		os.Unsetenv("COPPERMINER_DOWNLOAD_WORKERS")
		os.Unsetenv("COPPERMINER_PROXY")
		os.Unsetenv("COPPERMINER_CACHE_DIR")
		os.Unsetenv("COPPERMINER_LOG_LEVEL")
	}()

	config := DefaultConfig()
	err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("Failed to load from environment: %v", err)
	}

	if config.Download.OutputDirectory != "/tmp/test-downloads" {
		t.Errorf("Expected output directory to be /tmp/test-downloads, got %s", config.Download.OutputDirectory)
	}

	if config.Download.Workers != 6 {
		t.Errorf("Expected download workers to be 6, got %d", config.Download.Workers)
	}

	if config.Proxy.ExplicitProxy != "socks5://127.0.0.1:9050" {
		t.Errorf("Expected explicit proxy to be socks5://127.0.0.1:9050, got %s", config.Proxy.ExplicitProxy)
	}

	if !config.Proxy.Enabled {
		t.Error("Expected proxy to be enabled when an explicit proxy is set")
	}

	if config.Cache.Directory != "/tmp/test-cache" {
		t.Errorf("Expected cache directory to be /tmp/test-cache, got %s", config.Cache.Directory)
	}

	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level to be debug, got %s", config.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return DefaultConfig() }

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			wantError: false,
		},
		{
			name:      "zero workers",
			mutate:    func(c *Config) { c.Download.Workers = 0 },
			wantError: true,
		},
		{
			name:      "too many workers",
			mutate:    func(c *Config) { c.Download.Workers = 32 },
			wantError: true,
		},
		{
			name:      "missing output directory",
			mutate:    func(c *Config) { c.Download.OutputDirectory = "" },
			wantError: true,
		},
		{
			name:      "missing cache directory",
			mutate:    func(c *Config) { c.Cache.Directory = "" },
			wantError: true,
		},
		{
			name: "proxy enabled without validation targets",
			mutate: func(c *Config) {
				c.Proxy.Enabled = true
				c.Proxy.ValidationTargets = nil
			},
			wantError: true,
		},
		{
			name:      "invalid log level",
			mutate:    func(c *Config) { c.Logging.Level = "verbose" },
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestMergeCommandLineFlags(t *testing.T) {
	config := DefaultConfig()

	flags := map[string]interface{}{
		"output":           "/flag/output",
		"workers":          7,
		"mimic-human":      false,
		"include-specials": true,
		"proxy":            "http://proxy.example:8080",
		"log-level":        "error",
	}

	config.MergeCommandLineFlags(flags)

	if config.Download.OutputDirectory != "/flag/output" {
		t.Errorf("Expected output directory to be /flag/output, got %s", config.Download.OutputDirectory)
	}

	if config.Download.Workers != 7 {
		t.Errorf("Expected download workers to be 7, got %d", config.Download.Workers)
	}

	if config.Download.MimicHuman {
		t.Error("Expected mimic-human pacing to be disabled by flag")
	}

	if !config.Scan.IncludeSpecialAlbums {
		t.Error("Expected special albums to be included by flag")
	}

	if config.Proxy.ExplicitProxy != "http://proxy.example:8080" {
		t.Errorf("Expected explicit proxy to be http://proxy.example:8080, got %s", config.Proxy.ExplicitProxy)
	}

	if config.Logging.Level != "error" {
		t.Errorf("Expected log level to be error, got %s", config.Logging.Level)
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	config := DefaultConfig()
	config.Download.Workers = 8
	config.Download.DownloadTimeout = 90 * time.Second
	config.Proxy.MinPoolSize = 12
	config.Cache.Directory = "/tmp/cache-roundtrip"

	err := config.Save(configPath)
	if err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loadedConfig := DefaultConfig()
	err = loadedConfig.LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loadedConfig.Download.Workers != 8 {
		t.Errorf("Expected loaded workers to be 8, got %d", loadedConfig.Download.Workers)
	}

	if loadedConfig.Download.DownloadTimeout != 90*time.Second {
		t.Errorf("Expected loaded download timeout to be 90s, got %v", loadedConfig.Download.DownloadTimeout)
	}

	if loadedConfig.Proxy.MinPoolSize != 12 {
		t.Errorf("Expected loaded min pool size to be 12, got %d", loadedConfig.Proxy.MinPoolSize)
	}

	if loadedConfig.Cache.Directory != "/tmp/cache-roundtrip" {
		t.Errorf("Expected loaded cache directory to be /tmp/cache-roundtrip, got %s", loadedConfig.Cache.Directory)
	}
}
