package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port string

	// DevToolsURL is the websocket URL of a running Chrome instance
	// (e.g. ws://localhost:9222). Empty disables the CDP tap.
	DevToolsURL string

	// AdmissionHost is the host whose conversation API is observed.
	AdmissionHost string

	// ExtraPatterns are additional anchored admission regexps beyond the
	// built-in conversation pattern.
	ExtraPatterns []string

	// ProxyUpstream enables the local observing reverse proxy when set
	// (e.g. https://chatgpt.com). ProxyPort is its listen port.
	ProxyUpstream string
	ProxyPort     string

	// Render scheduler tuning
	RenderRetryMax   int
	RenderRetryDelay time.Duration

	// CaptureDBPath is the SQLite exchange archive. Empty disables capture.
	CaptureDBPath string

	// MonitorConfigPath is an optional YAML file overriding admission and
	// render settings, hot-reloaded on change.
	MonitorConfigPath string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	var extraPatterns []string
	if raw := getEnv("EXTRA_PATTERNS", ""); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				extraPatterns = append(extraPatterns, p)
			}
		}
	}

	return &Config{
		Port:              getEnv("PORT", "3002"),
		DevToolsURL:       getEnv("DEVTOOLS_URL", ""),
		AdmissionHost:     getEnv("ADMISSION_HOST", "chatgpt.com"),
		ExtraPatterns:     extraPatterns,
		ProxyUpstream:     getEnv("PROXY_UPSTREAM", ""),
		ProxyPort:         getEnv("PROXY_PORT", "3003"),
		RenderRetryMax:    getIntEnv("RENDER_RETRY_MAX", 5),
		RenderRetryDelay:  getDurationEnv("RENDER_RETRY_DELAY_MS", 2000),
		CaptureDBPath:     getEnv("CAPTURE_DB_PATH", ""),
		MonitorConfigPath: getEnv("MONITOR_CONFIG_PATH", "monitor.yaml"),
	}
}

// MonitorFile is the optional on-disk monitor configuration. Fields left
// zero keep the environment-derived values.
type MonitorFile struct {
	AdmissionHost string   `yaml:"admission_host"`
	ExtraPatterns []string `yaml:"extra_patterns"`
	Render        struct {
		MaxAttempts int `yaml:"max_attempts"`
		DelayMS     int `yaml:"delay_ms"`
	} `yaml:"render"`
}

// LoadMonitorFile loads and parses the monitor YAML file
func LoadMonitorFile(path string) (*MonitorFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor config: %w", err)
	}

	var mf MonitorFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse monitor config: %w", err)
	}
	return &mf, nil
}

// Apply overlays the file's non-zero fields onto the config
func (c *Config) Apply(mf *MonitorFile) {
	if mf == nil {
		return
	}
	if mf.AdmissionHost != "" {
		c.AdmissionHost = mf.AdmissionHost
	}
	if len(mf.ExtraPatterns) > 0 {
		c.ExtraPatterns = mf.ExtraPatterns
	}
	if mf.Render.MaxAttempts > 0 {
		c.RenderRetryMax = mf.Render.MaxAttempts
	}
	if mf.Render.DelayMS > 0 {
		c.RenderRetryDelay = time.Duration(mf.Render.DelayMS) * time.Millisecond
	}
}

// getEnv gets an environment variable with a fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a fallback default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv gets a millisecond environment variable with a fallback default
func getDurationEnv(key string, defaultMS int) time.Duration {
	return time.Duration(getIntEnv(key, defaultMS)) * time.Millisecond
}
