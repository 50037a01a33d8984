package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the autocraft configuration.
// Priority: flags > AUTOCRAFT_* env vars > .env files > settings.json > defaults.
type Config struct {
	DataDir string `json:"-"`

	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// serve
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	Panel      bool   `json:"panel"`
	MCP        string `json:"mcp"` // "", "stdio" or "sse"
	MCPAddr    string `json:"mcp_addr"`

	// runs
	Flow             string `json:"flow,omitempty"`
	MaxAttempts      int    `json:"max_attempts"`
	StartDelayMs     int    `json:"start_delay_ms"`
	ProgressEvery    int    `json:"progress_every"`
	ProgressSchedule string `json:"progress_schedule"`
	VariantWorkers   int    `json:"variant_workers"`
	RetryAttempts    int    `json:"retry_attempts"`

	// matching
	AllowList     string `json:"allowlist,omitempty"`
	GuardEngine   string `json:"guard_engine"`
	ExclusionExpr string `json:"exclusion_expr,omitempty"`

	// capabilities
	Screen       string   `json:"screen,omitempty"`
	OCRLines     string   `json:"ocr_lines,omitempty"`
	OCRLanguages []string `json:"ocr_languages,omitempty"`
	DebugDir     string   `json:"debug_dir,omitempty"`
}

func defaultConfig(dir string) Config {
	return Config{
		DataDir:          dir,
		DBPath:           filepath.Join(dir, "autocraft.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		ListenAddr:       ":4200",
		MCPAddr:          ":4201",
		MaxAttempts:      100,
		StartDelayMs:     3000,
		ProgressSchedule: "@every 10s",
		VariantWorkers:   2,
		RetryAttempts:    3,
		GuardEngine:      "cel",
	}
}

func autocraftDir() string {
	if v := os.Getenv("AUTOCRAFT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autocraft"
	}
	return filepath.Join(home, ".autocraft")
}

func settingsPath(dir string) string { return filepath.Join(dir, "settings.json") }

func pidPath(dir string) string { return filepath.Join(dir, "autocraft.pid") }

func binDir(dir string) string { return filepath.Join(dir, "bin") }

func (c Config) StartDelay() time.Duration {
	return time.Duration(c.StartDelayMs) * time.Millisecond
}

// loadConfig layers settings.json, .env files and AUTOCRAFT_* variables over
// the defaults. A missing settings file is fine; a malformed one is not.
func loadConfig(dir string) (Config, error) {
	cfg := defaultConfig(dir)

	if data, err := os.ReadFile(settingsPath(dir)); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	// .env files never override variables already set in the environment.
	for _, f := range []string{".env", filepath.Join(dir, ".env")} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}

	envString("AUTOCRAFT_DB_PATH", &cfg.DBPath)
	envString("AUTOCRAFT_LOG_LEVEL", &cfg.LogLevel)
	envString("AUTOCRAFT_LOG_FORMAT", &cfg.LogFormat)
	envString("AUTOCRAFT_LISTEN_ADDR", &cfg.ListenAddr)
	envString("AUTOCRAFT_BASE_URL", &cfg.BaseURL)
	envBool("AUTOCRAFT_PANEL", &cfg.Panel)
	envString("AUTOCRAFT_MCP", &cfg.MCP)
	envString("AUTOCRAFT_MCP_ADDR", &cfg.MCPAddr)
	envString("AUTOCRAFT_FLOW", &cfg.Flow)
	envInt("AUTOCRAFT_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt("AUTOCRAFT_START_DELAY_MS", &cfg.StartDelayMs)
	envInt("AUTOCRAFT_PROGRESS_EVERY", &cfg.ProgressEvery)
	envString("AUTOCRAFT_PROGRESS_SCHEDULE", &cfg.ProgressSchedule)
	envInt("AUTOCRAFT_VARIANT_WORKERS", &cfg.VariantWorkers)
	envInt("AUTOCRAFT_RETRY_ATTEMPTS", &cfg.RetryAttempts)
	envString("AUTOCRAFT_ALLOWLIST", &cfg.AllowList)
	envString("AUTOCRAFT_GUARD_ENGINE", &cfg.GuardEngine)
	envString("AUTOCRAFT_EXCLUSION_EXPR", &cfg.ExclusionExpr)
	envString("AUTOCRAFT_SCREEN", &cfg.Screen)
	envString("AUTOCRAFT_OCR_LINES", &cfg.OCRLines)
	envString("AUTOCRAFT_DEBUG_DIR", &cfg.DebugDir)
	if v := os.Getenv("AUTOCRAFT_OCR_LANGUAGES"); v != "" {
		cfg.OCRLanguages = strings.Split(v, ",")
	}

	return cfg, nil
}

// finish fills values derived from others once every layer is applied.
func (c *Config) finish() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost" + c.MCPAddr
	}
}

// saveSettings writes cfg as the settings.json of its data dir.
func saveSettings(cfg Config) (string, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath(cfg.DataDir)
	return path, os.WriteFile(path, append(data, '\n'), 0o644)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a restart of "serve"
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.MCP != new.MCP || old.MCPAddr != new.MCPAddr {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	if old.Screen != new.Screen || old.OCRLines != new.OCRLines {
		d.RestartNeeded = append(d.RestartNeeded, "capabilities")
	}
	return d
}
