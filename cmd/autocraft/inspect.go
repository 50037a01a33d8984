package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rendis/autocraft/internal/allowlist"
	"github.com/rendis/autocraft/internal/diagram"
	"github.com/rendis/autocraft/internal/flowfile"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/pkg/schema"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Check a flow file for structural, semantic and reachability errors",
	ArgsUsage: "<flow file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "guard-engine", Usage: "engine compiling modifier guards: cel or expr"},
	},
	Action: validateAction,
}

var diagramCommand = &cli.Command{
	Name:      "diagram",
	Usage:     "Draw a flow, optionally overlaid with the progress of a stored run",
	ArgsUsage: "[flow file]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "run", Usage: "draw the flow of this run with its node states"},
		&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "ascii", Usage: "ascii, mermaid, svg or png"},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: stdout)"},
	},
	Action: diagramAction,
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "List past runs, or show one run with its attempts",
	ArgsUsage: "[run id]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status", Usage: "only runs with this status"},
		&cli.DurationFlag{Name: "since", Usage: "only runs created within this window"},
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of runs"},
		&cli.BoolFlag{Name: "events", Usage: "include the event journal of the run"},
		&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		&cli.BoolFlag{Name: "vacuum", Usage: "compact the database afterwards"},
	},
	Action: historyAction,
}

var allowlistCommand = &cli.Command{
	Name:      "allowlist",
	Usage:     "Fetch known modifier templates from a trade stats document or text list",
	ArgsUsage: "[file or URL]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "query", Value: allowlist.DefaultQuery, Usage: "jq query selecting templates in a JSON document"},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the templates here, one per line"},
	},
	Action: allowlistAction,
}

func validateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("validate takes exactly one flow file", 2)
	}
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	_, fv, err := newMatchers(cfg)
	if err != nil {
		return err
	}
	flow, err := flowfile.Load(c.Args().First(), nil)
	if err != nil {
		return err
	}

	res := fv.Validate(&flow)
	w := c.App.Writer
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error   %s %s: %s\n", e.Path, e.Code, e.Message)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning %s %s: %s\n", warn.Path, warn.Code, warn.Message)
	}
	if !res.Valid() {
		return cli.Exit(fmt.Sprintf("flow %q is invalid (%d errors)", flow.Name, len(res.Errors)), 1)
	}
	fmt.Fprintf(w, "flow %q is valid: %d nodes, %d edges\n", flow.Name, len(flow.Nodes), len(flow.Edges))
	return nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func diagramAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	var (
		flow   schema.FlowGraph
		events []*schema.Event
	)
	if runID := c.String("run"); runID != "" {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if events, err = st.GetEvents(ctx, runID, 0); err != nil {
			return err
		}
		flow = run.Flow
	} else {
		path := c.Args().First()
		if path == "" {
			path = cfg.Flow
		}
		if path == "" {
			return cli.Exit("give a flow file or --run", 2)
		}
		if flow, err = flowfile.Load(path, nil); err != nil {
			return err
		}
	}

	model, err := diagram.Build(&flow, events)
	if err != nil {
		return err
	}

	var out []byte
	switch format := strings.ToLower(c.String("format")); format {
	case "ascii":
		out = []byte(diagram.RenderASCIIAuto(ctx, model, binDir(cfg.DataDir)))
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case diagram.FormatSVG, diagram.FormatPNG:
		if out, err = diagram.RenderImage(ctx, model, format); err != nil {
			return err
		}
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q", format), 2)
	}

	if path := c.String("out"); path != "" {
		return os.WriteFile(path, out, 0o644)
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func historyAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if id := c.Args().First(); id != "" {
		err = showRun(ctx, c, st, id)
	} else {
		err = listRuns(ctx, c, st)
	}
	if err != nil {
		return err
	}
	if c.Bool("vacuum") {
		return st.Vacuum(ctx)
	}
	return nil
}

func listRuns(ctx context.Context, c *cli.Context, st store.Store) error {
	filter := store.RunFilter{Limit: c.Int("limit")}
	if s := c.String("status"); s != "" {
		status := schema.RunStatus(s)
		filter.Status = &status
	}
	if d := c.Duration("since"); d > 0 {
		since := time.Now().Add(-d)
		filter.Since = &since
	}
	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, runs)
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFLOW\tSTATUS\tATTEMPTS\tDETECTED\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.FlowName, r.Status, r.Attempts, r.MaxAttempts,
			r.DetectedText, r.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, c *cli.Context, st store.Store, id string) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return err
	}
	attempts, err := st.ListAttempts(ctx, id)
	if err != nil {
		return err
	}
	var events []*schema.Event
	if c.Bool("events") {
		if events, err = st.GetEvents(ctx, id, 0); err != nil {
			return err
		}
	}

	if c.Bool("json") {
		return printJSON(c.App.Writer, map[string]any{"run": run, "attempts": attempts, "events": events})
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.FlowName)
	fmt.Fprintf(w, "  status:   %s\n", run.Status)
	fmt.Fprintf(w, "  attempts: %d/%d\n", run.Attempts, run.MaxAttempts)
	if run.DetectedText != "" {
		fmt.Fprintf(w, "  detected: %s\n", run.DetectedText)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", run.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\n#\tFOUND\tLINES\tDURATION\tDETECTED")
	for _, at := range attempts {
		fmt.Fprintf(tw, "%d\t%t\t%d\t%dms\t%s\n", at.Number, at.Found, len(at.Lines), at.DurationMs, at.DetectedText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range events {
		fmt.Fprintf(w, "%s %-16s %-8s %s %s\n",
			e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Level, e.NodeID, e.Message)
	}
	return nil
}

func allowlistAction(c *cli.Context) error {
	source := c.Args().First()
	if source == "" {
		source = allowlist.DefaultURL
	}
	loader := allowlist.NewLoader()
	loader.Query = c.String("query")

	templates, err := loader.Load(c.Context, source)
	if err != nil {
		return err
	}

	if path := c.String("out"); path != "" {
		data := strings.Join(templates, "\n") + "\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d templates written to %s\n", len(templates), path)
		return nil
	}
	for _, t := range templates {
		fmt.Fprintln(c.App.Writer, t)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
