package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/scheduler"
	"github.com/rendis/autocraft/pkg/schema"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a flow until a wanted modifier is found or the attempts run out",
	ArgsUsage: "[flow file]",
	Flags:     runFlags,
	Action:    runAction,
}

var stopCommand = &cli.Command{
	Name:  "stop",
	Usage: "Ask a run in another autocraft process to stop",
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}
		sig := engine.NewFileStopSignal(cfg.DataDir)
		if err := sig.Request(); err != nil {
			return fmt.Errorf("request stop: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "Stop requested (%s)\n", sig.Path)
		return nil
	},
}

func runAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	flow, err := a.loadFlow(c.Args().First())
	if err != nil {
		return err
	}
	rc, err := a.runConfig(c.Context, flow)
	if err != nil {
		return err
	}

	reporter, err := scheduler.NewReporter(a.runner.Loop(), a.emitter, a.events, cfg.ProgressSchedule, a.logger)
	if err != nil {
		return err
	}
	if err := reporter.Start(c.Context); err != nil {
		return err
	}
	defer reporter.Stop()

	id, err := a.runner.Start(rc)
	if err != nil {
		return err
	}
	a.logger.Info("run started", "run_id", id, "flow", flow.Name, "max_attempts", rc.MaxAttempts)

	// The first interrupt stops the run cleanly so a held modifier key is
	// released; a second one kills the process.
	sigCtx, stopSignals := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			stopSignals()
			a.logger.Warn("interrupt received, stopping run", "run_id", id)
			a.runner.Stop()
		case <-done:
		}
	}()

	out, err := a.runner.Wait(context.WithoutCancel(c.Context), id)
	if err != nil {
		return err
	}
	a.logger.Debug("input recorded", "clicks", a.input.Clicks())

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.Result.Status == schema.RunStatusFailed {
		return cli.Exit("run failed: "+out.Error, 1)
	}
	return nil
}
