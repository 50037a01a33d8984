package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/autocraft/internal/allowlist"
	"github.com/rendis/autocraft/internal/capture"
	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/expressions"
	"github.com/rendis/autocraft/internal/flowfile"
	"github.com/rendis/autocraft/internal/input"
	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/internal/streaming"
	"github.com/rendis/autocraft/internal/validation"
	"github.com/rendis/autocraft/pkg/schema"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	events    *store.EventLog
	emitter   *logging.Emitter
	matcher   *modifiers.Matcher
	validator *validation.FlowValidator
	input     *input.Recorder
	runner    *engine.Runner
}

func newLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	return logging.NewLogger(level, cfg.LogFormat), level
}

// newMatchers builds the modifier matcher and the flow validator. Guard
// expressions are compiled at validation time when the engine supports it.
func newMatchers(cfg Config) (*modifiers.Matcher, *validation.FlowValidator, error) {
	guards, err := expressions.New(cfg.GuardEngine)
	if err != nil {
		return nil, nil, err
	}
	opts := []modifiers.MatcherOption{modifiers.WithGuardEngine(guards)}
	if cfg.ExclusionExpr != "" {
		opts = append(opts, modifiers.WithPolicy(modifiers.ExpressionPolicy{Engine: guards, Expression: cfg.ExclusionExpr}))
	}

	compiler, _ := guards.(validation.ExpressionCompiler)
	fv, err := validation.NewFlowValidator(compiler)
	if err != nil {
		return nil, nil, err
	}
	return modifiers.NewMatcher(opts...), fv, nil
}

// newApp opens the store and wires the attempt loop. ctx bounds every run
// started through the returned runner.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level := newLogger(cfg)
	a := &app{cfg: cfg, level: level, logger: logger}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.store = st

	a.hub = streaming.NewMemoryHub()
	a.events = store.NewEventLog(st, a.hub).WithLogger(logger)
	a.emitter = logging.NewEmitter(logger, a.events)

	a.matcher, a.validator, err = newMatchers(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	a.input = input.NewRecorder(logger)
	caps := engine.Capabilities{
		Input:  a.input,
		OCR:    newOCR(cfg),
		Logger: a.emitter,
	}
	if cfg.Screen != "" {
		src := capture.NewFileSource(cfg.Screen)
		src.DebugDir = cfg.DebugDir
		caps.Capture = src
	}

	retry := engine.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		retry.Attempts = cfg.RetryAttempts
	}
	loop := engine.NewAttemptLoop(caps, engine.Options{
		Validator:      a.validator,
		Matcher:        a.matcher,
		Appender:       a.events,
		History:        st,
		Breakers:       engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		Retry:          retry,
		Delay:          engine.DefaultDelayPolicy(),
		VariantWorkers: cfg.VariantWorkers,
		StopSignals:    []engine.StopSignal{engine.NewFileStopSignal(cfg.DataDir)},
	})
	a.runner = engine.NewRunner(ctx, loop)
	return a, nil
}

func (a *app) Close() error {
	a.runner.Shutdown()
	return a.store.Close()
}

// runConfig builds the run parameters for flow from the configuration.
func (a *app) runConfig(ctx context.Context, flow schema.FlowGraph) (engine.RunConfig, error) {
	cfg := engine.RunConfig{
		Flow:          flow,
		MaxAttempts:   a.cfg.MaxAttempts,
		ProgressEvery: a.cfg.ProgressEvery,
		StartDelay:    a.cfg.StartDelay(),
	}
	allow, err := a.loadAllowList(ctx)
	if err != nil {
		return cfg, err
	}
	cfg.AllowList = allow
	return cfg, nil
}

func (a *app) loadAllowList(ctx context.Context) (*modifiers.AllowList, error) {
	if a.cfg.AllowList == "" {
		return nil, nil
	}
	templates, err := allowlist.NewLoader().Load(ctx, a.cfg.AllowList)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "allow-list loaded", "source", a.cfg.AllowList, "templates", len(templates))
	return modifiers.NewAllowList(templates), nil
}

// loadFlow reads path, or the configured default flow when path is empty.
func (a *app) loadFlow(path string) (schema.FlowGraph, error) {
	if path == "" {
		path = a.cfg.Flow
	}
	if path == "" {
		return schema.FlowGraph{}, schema.NewError(schema.ErrCodeConfiguration, "no flow file given")
	}
	return flowfile.Load(path, a.validator)
}
