package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/internal/validation"
	"github.com/rendis/autocraft/pkg/schema"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// AutocraftServerDeps holds the dependencies for creating an AutocraftServer.
type AutocraftServerDeps struct {
	Runner    *engine.Runner
	Store     store.Store
	Matcher   *modifiers.Matcher
	Validator *validation.FlowValidator
	Logger    *slog.Logger

	// Flow is run when autocraft.run carries no flow.
	Flow        *schema.FlowGraph
	MaxAttempts int
	AllowList   *modifiers.AllowList
}

// AutocraftServer wraps an MCP server with the autocraft tool handlers.
type AutocraftServer struct {
	runner    *engine.Runner
	store     store.Store
	matcher   *modifiers.Matcher
	validator *validation.FlowValidator
	logger    *slog.Logger

	flow        *schema.FlowGraph
	maxAttempts int
	allow       *modifiers.AllowList

	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewAutocraftServer creates a new AutocraftServer with all tools registered.
func NewAutocraftServer(deps AutocraftServerDeps) *AutocraftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	matcher := deps.Matcher
	if matcher == nil {
		matcher = modifiers.NewMatcher()
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 100
	}

	s := &AutocraftServer{
		runner:      deps.Runner,
		store:       deps.Store,
		matcher:     matcher,
		validator:   deps.Validator,
		logger:      logger,
		flow:        deps.Flow,
		maxAttempts: maxAttempts,
		allow:       deps.AllowList,
		sessions:    NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"autocraft",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("autocraft repeats a crafting flow until the item shows a wanted modifier. "+
			"Use autocraft.run to start a run, autocraft.status to follow it, autocraft.stop to end it, "+
			"autocraft.check to test modifier patterns against text, autocraft.validate to check a flow, "+
			"autocraft.history to browse past runs and autocraft.diagram to draw a flow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutocraftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *AutocraftServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutocraftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AutocraftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: checkTool(), Handler: s.handleCheck},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("autocraft.run",
		mcp.WithDescription("Start an attempt loop run"),
		mcp.WithObject("flow", mcp.Description("Flow graph to run (default: the flow the server was started with)")),
		mcp.WithNumber("max_attempts", mcp.Description("Attempt budget (default: server setting)")),
		mcp.WithNumber("start_delay_ms", mcp.Description("Wait before the first attempt")),
		mcp.WithNumber("progress_every", mcp.Description("Emit a progress event every N attempts")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run ends and return its result")),
		mcp.WithString("client_id", mcp.Description("Caller ID; the session gets a notification when the run ends")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("autocraft.stop",
		mcp.WithDescription("Request the active run to stop"),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("autocraft.status",
		mcp.WithDescription("Get the live loop status, or the state of one run"),
		mcp.WithString("run_id", mcp.Description("Run to query (default: the live loop)")),
	)
}

func checkTool() mcp.Tool {
	return mcp.NewTool("autocraft.check",
		mcp.WithDescription("Test modifier specs against a text line or a set of OCR lines"),
		mcp.WithArray("modifiers", mcp.Required(),
			mcp.Description("Modifier specs: {pattern, text, minValue, maxValue, useRange, when}"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithString("text", mcp.Description("Single line checked against every modifier")),
		mcp.WithArray("lines",
			mcp.Description("OCR lines {text, confidence} aggregated then matched like a checkRegion node"),
			mcp.Items(map[string]any{"type": "object"}),
		),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("autocraft.validate",
		mcp.WithDescription("Validate a flow graph and list its errors and warnings"),
		mcp.WithObject("flow", mcp.Required(), mcp.Description("Flow graph to validate")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("autocraft.history",
		mcp.WithDescription("Query past runs, their attempts, or their events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "attempts", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, offset, run_id, event_type, node_id)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("autocraft.diagram",
		mcp.WithDescription("Draw a flow graph. Returns ASCII art, Mermaid flowchart syntax, or a PNG/SVG image"),
		mcp.WithString("run_id", mcp.Description("Run whose flow to draw, overlaid with its progress")),
		mcp.WithObject("flow", mcp.Description("Flow graph to draw when no run_id is given")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format"),
		),
	)
}
