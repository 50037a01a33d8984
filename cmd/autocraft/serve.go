package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/internal/panel"
	"github.com/rendis/autocraft/internal/scheduler"
	"github.com/rendis/autocraft/pkg/mcp"
	"github.com/rendis/autocraft/pkg/schema"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the control panel and the MCP tools until interrupted",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "panel listen address"},
		&cli.BoolFlag{Name: "panel", Usage: "enable the web panel"},
		&cli.StringFlag{Name: "mcp", Usage: "MCP transport: stdio, sse or empty for none"},
		&cli.StringFlag{Name: "mcp-addr", Usage: "listen address of the MCP SSE transport"},
		&cli.StringFlag{Name: "base-url", Usage: "public base URL of the MCP SSE transport"},
		&cli.StringFlag{Name: "flow", Usage: "flow used when a run request carries none"},
	}, runFlags...),
	Action: serveAction,
}

// switchHandler serves whichever handler was stored last. Reloads use it to
// mount or unmount the panel without restarting the listener.
type switchHandler struct {
	current atomic.Value // http.Handler
}

func newSwitchHandler(h http.Handler) *switchHandler {
	s := &switchHandler{}
	s.Set(h)
	return s
}

func (s *switchHandler) Set(h http.Handler) { s.current.Store(&h) }

func (s *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load().(*http.Handler)).ServeHTTP(w, r)
}

// healthMux answers liveness probes. It is all that is served while the
// panel is disabled.
func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func withPanel(p *panel.PanelServer) http.Handler {
	mux := healthMux()
	mux.Handle("/", p.Handler())
	return mux
}

func serveAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var defaultFlow *schema.FlowGraph
	if cfg.Flow != "" {
		flow, err := a.loadFlow(cfg.Flow)
		if err != nil {
			return err
		}
		defaultFlow = &flow
	}
	allow, err := a.loadAllowList(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(pidPath(cfg.DataDir), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		a.logger.Warn("cannot write pid file", "error", err)
	}
	defer os.Remove(pidPath(cfg.DataDir))

	panelSrv := panel.NewPanelServer(panel.PanelDeps{
		Store:       a.store,
		Runner:      a.runner,
		Hub:         a.hub,
		Logger:      a.logger,
		Flow:        defaultFlow,
		MaxAttempts: cfg.MaxAttempts,
	})
	handler := newSwitchHandler(healthMux())
	if cfg.Panel {
		handler.Set(withPanel(panelSrv))
	}
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	reporter, err := scheduler.NewReporter(a.runner.Loop(), a.emitter, a.events, cfg.ProgressSchedule, a.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http listening", "addr", cfg.ListenAddr, "panel", cfg.Panel)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := reporter.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return reporter.Stop()
	})

	if cfg.MCP != "" {
		mcpSrv := mcp.NewAutocraftServer(mcp.AutocraftServerDeps{
			Runner:      a.runner,
			Store:       a.store,
			Matcher:     a.matcher,
			Validator:   a.validator,
			Logger:      a.logger,
			Flow:        defaultFlow,
			MaxAttempts: cfg.MaxAttempts,
			AllowList:   allow,
		})
		g.Go(func() error {
			switch cfg.MCP {
			case "stdio":
				a.logger.Info("mcp serving on stdio")
				return mcpSrv.Serve(gctx)
			case "sse":
				a.logger.Info("mcp serving over sse", "addr", cfg.MCPAddr, "base_url", cfg.BaseURL)
				return mcpSrv.ServeSSE(gctx, cfg.MCPAddr, cfg.BaseURL)
			}
			return fmt.Errorf("unknown mcp transport %q", cfg.MCP)
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, c, a, cfg, handler, panelSrv)
		return nil
	})

	err = g.Wait()
	a.logger.Info("shut down")
	return err
}

// reloadOnHangup re-reads the configuration on SIGHUP. The panel and the
// log level apply live; everything else is reported as needing a restart.
func reloadOnHangup(ctx context.Context, c *cli.Context, a *app, current Config, h *switchHandler, p *panel.PanelServer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := configFrom(c)
		if err != nil {
			a.logger.Error("reload failed", "error", err)
			continue
		}
		d := diffConfigs(current, next)
		if d.PanelChanged {
			if next.Panel {
				h.Set(withPanel(p))
			} else {
				h.Set(healthMux())
			}
		}
		if d.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
		}
		a.logger.Info("configuration reloaded",
			"panel", next.Panel, "log_level", next.LogLevel, "restart_needed", d.RestartNeeded)
		current = next
	}
}
