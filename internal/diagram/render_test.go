package diagram

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(rerollFlow(), runEvents())
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% chaos spam")
	assert.Contains(t, out, `start(("start"))`)
	assert.Contains(t, out, `chaos["Chaos Orb<br/>(120, 340) +shift"]`)
	assert.Contains(t, out, `check{"checkRegion<br/>+# to Level of all Spell Skills"}`)
	assert.Contains(t, out, "check -->|false| chaos")
	assert.Contains(t, out, "check -->|true| end_node")
	assert.Contains(t, out, `end_node(("end"))`)
	assert.Contains(t, out, "start --> chaos")
	assert.Contains(t, out, "class check matched")
	assert.Contains(t, out, "class chaos visited")
	assert.NotContains(t, out, "class end_node")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "check_1_a_b", mermaidSafeID("check-1.a b"))
	assert.Equal(t, "end_node", mermaidSafeID("end"))
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(rerollFlow(), runEvents())
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== chaos spam ===")
	assert.Contains(t, out, "│ Chaos Orb")
	assert.Contains(t, out, "[x2]")
	assert.Contains(t, out, "[FOUND]")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "check ─→ chaos [false]")

	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "│") {
			assert.True(t, strings.HasSuffix(l, "│"), "box line %q is closed", l)
		}
	}
}

func TestRenderMermaidForCLI(t *testing.T) {
	model, err := Build(rerollFlow(), runEvents())
	require.NoError(t, err)

	out := RenderMermaidForCLI(model)
	assert.Contains(t, out, "start-x1 --> chaos-x2")
	assert.Contains(t, out, "check-FOUND -->|false| chaos-x2")
	assert.Contains(t, out, "check-FOUND -->|true| end")
}

func TestRenderASCIIAuto_FallsBack(t *testing.T) {
	model, err := Build(rerollFlow(), nil)
	require.NoError(t, err)

	want := RenderASCII(model)
	assert.Equal(t, want, RenderASCIIAuto(context.Background(), model, ""))
	assert.Equal(t, want, RenderASCIIAuto(context.Background(), model, t.TempDir()))

	// A binary that fails also falls back.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mermaid-ascii"), []byte("#!/bin/sh\nexit 3\n"), 0o755))
	assert.Equal(t, want, RenderASCIIAuto(context.Background(), model, dir))
}

func TestRenderImage(t *testing.T) {
	model, err := Build(rerollFlow(), runEvents())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), model, "bmp")
	assert.Error(t, err)
}
