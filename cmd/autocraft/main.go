// Command autocraft drives crafting flows: it clicks, reads item tooltips
// with OCR and stops once a wanted modifier shows up.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/autocraft/
var version = "dev"

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "home",
		Usage:   "data directory holding settings.json, the database and the stop file",
		Value:   autocraftDir(),
		EnvVars: []string{"AUTOCRAFT_HOME"},
	},
	&cli.StringFlag{Name: "db", Usage: "database path (default: <home>/autocraft.db)"},
	&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error"},
	&cli.StringFlag{Name: "log-format", Usage: "log format: text or json"},
}

// runFlags configure how a run is executed. "run" and "serve" share them.
var runFlags = []cli.Flag{
	&cli.IntFlag{Name: "max-attempts", Aliases: []string{"n"}, Usage: "attempt budget of a run"},
	&cli.DurationFlag{Name: "start-delay", Usage: "wait before the first attempt"},
	&cli.IntFlag{Name: "progress-every", Usage: "record a progress event every N attempts (0 disables)"},
	&cli.IntFlag{Name: "variant-workers", Usage: "concurrent OCR calls per check"},
	&cli.StringFlag{Name: "screen", Usage: "image file standing in for the screen"},
	&cli.StringFlag{Name: "ocr-lines", Usage: "text file standing in for OCR output"},
	&cli.StringFlag{Name: "debug-dir", Usage: "write every preprocessed OCR variant here"},
	&cli.StringFlag{Name: "allowlist", Usage: "known modifier templates (file or URL)"},
	&cli.StringFlag{Name: "guard-engine", Usage: "engine for modifier guards: cel or expr"},
	&cli.StringFlag{Name: "exclusion-expr", Usage: "boolean expression over target, text and words vetoing a match"},
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "autocraft",
		Usage:   "OCR-driven crafting automation",
		Version: version,
		Description: `autocraft executes crafting flows: graphs of clicks, delays and
tooltip checks that repeat until a wanted modifier is read.

Examples:
  autocraft validate flows/spell.json
  autocraft run flows/spell.json -n 200
  autocraft serve --panel --mcp sse
  autocraft ocr --region 600,200,400,180
  autocraft history`,
		Flags: globalFlags,
		Commands: []*cli.Command{
			runCommand,
			stopCommand,
			validateCommand,
			diagramCommand,
			historyCommand,
			allowlistCommand,
			ocrCommand,
			serveCommand,
			installCommand,
		},
	}
}

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFrom loads the layered configuration and applies the flags the
// user actually set.
func configFrom(c *cli.Context) (Config, error) {
	cfg, err := loadConfig(c.String("home"))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	applyFlags(c, &cfg)
	cfg.finish()
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *Config) {
	str := map[string]*string{
		"db":             &cfg.DBPath,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"screen":         &cfg.Screen,
		"ocr-lines":      &cfg.OCRLines,
		"debug-dir":      &cfg.DebugDir,
		"allowlist":      &cfg.AllowList,
		"guard-engine":   &cfg.GuardEngine,
		"exclusion-expr": &cfg.ExclusionExpr,
		"listen":         &cfg.ListenAddr,
		"base-url":       &cfg.BaseURL,
		"mcp":            &cfg.MCP,
		"mcp-addr":       &cfg.MCPAddr,
		"flow":           &cfg.Flow,
	}
	for name, dst := range str {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	ints := map[string]*int{
		"max-attempts":    &cfg.MaxAttempts,
		"progress-every":  &cfg.ProgressEvery,
		"variant-workers": &cfg.VariantWorkers,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	if c.IsSet("start-delay") {
		cfg.StartDelayMs = int(c.Duration("start-delay") / time.Millisecond)
	}
	if c.IsSet("panel") {
		cfg.Panel = c.Bool("panel")
	}
}
