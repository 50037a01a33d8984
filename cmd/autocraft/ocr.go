package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/rendis/autocraft/pkg/schema"
)

var ocrCommand = &cli.Command{
	Name:  "ocr",
	Usage: "Read a tooltip region once and print the modifier lines the OCR sees",
	Description: `Captures the region, runs both preprocessing variants through OCR and
prints the aggregated lines with their confidence. The region comes from
--region, or from a checkRegion node of a flow file.

Examples:
  autocraft ocr --region 600,200,400,180 --debug-dir /tmp/ocr
  autocraft ocr flows/spell.json --node check`,
	ArgsUsage: "[flow file]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "region", Aliases: []string{"r"}, Usage: "region as x,y,width,height"},
		&cli.StringFlag{Name: "node", Usage: "checkRegion node whose region is read (default: the first one)"},
		&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		&cli.StringFlag{Name: "screen", Usage: "image file standing in for the screen"},
		&cli.StringFlag{Name: "ocr-lines", Usage: "text file standing in for OCR output"},
		&cli.StringFlag{Name: "debug-dir", Usage: "write every preprocessed OCR variant here"},
		&cli.StringFlag{Name: "allowlist", Usage: "known modifier templates (file or URL)"},
		&cli.IntFlag{Name: "variant-workers", Usage: "concurrent OCR calls"},
	},
	Action: ocrAction,
}

func ocrAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var region schema.Region
	if c.IsSet("region") {
		region, err = parseRegion(c.String("region"))
	} else {
		region, err = a.flowRegion(c.Args().First(), c.String("node"))
	}
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	allow, err := a.loadAllowList(c.Context)
	if err != nil {
		return err
	}
	lines, err := a.runner.Loop().ReadRegion(c.Context, region, allow)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(c.App.Writer, lines)
	}
	if len(lines) == 0 {
		fmt.Fprintln(c.App.Writer, "No modifier lines recognized.")
		return nil
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONF\tTEXT\tNORMALIZED")
	for _, l := range lines {
		fmt.Fprintf(tw, "%.1f\t%s\t%s\n", l.Confidence, l.OriginalText, l.NormalizedText)
	}
	return tw.Flush()
}

// flowRegion returns the region of the named checkRegion node of a flow,
// or of its first checkRegion node when node is empty.
func (a *app) flowRegion(path, node string) (schema.Region, error) {
	flow, err := a.loadFlow(path)
	if err != nil {
		return schema.Region{}, err
	}
	for _, n := range flow.Nodes {
		if n.Kind != schema.NodeKindCheckRegion || (node != "" && n.ID != node) {
			continue
		}
		if n.Data.Region == nil {
			return schema.Region{}, fmt.Errorf("node %q has no region", n.ID)
		}
		return *n.Data.Region, nil
	}
	if node != "" {
		return schema.Region{}, fmt.Errorf("flow %q has no checkRegion node %q", flow.Name, node)
	}
	return schema.Region{}, fmt.Errorf("flow %q has no checkRegion node", flow.Name)
}

// parseRegion parses "x,y,width,height".
func parseRegion(s string) (schema.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return schema.Region{}, fmt.Errorf("region %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return schema.Region{}, fmt.Errorf("region %q: %w", s, err)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return schema.Region{}, fmt.Errorf("region %q: width and height must be positive", s)
	}
	return schema.Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}
