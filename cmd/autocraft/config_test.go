package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "autocraft.db"), cfg.DBPath)
	assert.Equal(t, 100, cfg.MaxAttempts)
	assert.Equal(t, "cel", cfg.GuardEngine)
	assert.Equal(t, "@every 10s", cfg.ProgressSchedule)
	assert.False(t, cfg.Panel)
}

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	settings := `{"max_attempts": 50, "panel": true, "log_level": "debug", "listen_addr": ":9000"}`
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(settings), 0o644))
	t.Setenv("AUTOCRAFT_MAX_ATTEMPTS", "75")
	t.Setenv("AUTOCRAFT_PANEL", "0")

	cfg, err := loadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.MaxAttempts, "env beats settings.json")
	assert.False(t, cfg.Panel)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.ListenAddr)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AUTOCRAFT_OCR_LINES=/tmp/lines.txt\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AUTOCRAFT_OCR_LINES") })

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lines.txt", cfg.OCRLines)
}

func TestLoadConfig_MalformedSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte("{nope"), 0o644))

	_, err := loadConfig(dir)
	assert.Error(t, err)
}

func TestSaveSettings_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	cfg := defaultConfig(dir)
	cfg.MaxAttempts = 42
	cfg.OCRLanguages = []string{"eng", "deu"}

	path, err := saveSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, settingsPath(dir), path)

	loaded, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.MaxAttempts)
	assert.Equal(t, []string{"eng", "deu"}, loaded.OCRLanguages)
}

func TestFinish_DerivesBaseURL(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.finish()
	assert.Equal(t, "http://localhost:4201", cfg.BaseURL)

	cfg.BaseURL = "https://craft.example"
	cfg.finish()
	assert.Equal(t, "https://craft.example", cfg.BaseURL)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig("/a")
	next := old
	next.Panel = true
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.MCP = "sse"

	d := diffConfigs(old, next)
	assert.True(t, d.PanelChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "mcp"}, d.RestartNeeded)

	assert.Equal(t, configDiff{}, diffConfigs(old, old))
}
