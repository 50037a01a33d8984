//go:build tesseract

package tesseract

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

func ensureTesseractAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract binary not available")
	}
}

// renderLine draws text black on white, scaled up so the 7x13 font is legible.
func renderLine(text string) image.Image {
	small := image.NewGray(image.Rect(0, 0, 8*len(text)+16, 24))
	draw.Draw(small, small.Bounds(), image.White, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: small, Src: image.NewUniform(color.Black), Face: basicfont.Face7x13, Dot: fixed.P(8, 17)}
	d.DrawString(text)

	const scale = 4
	b := small.Bounds()
	big := image.NewGray(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	for y := 0; y < big.Bounds().Dy(); y++ {
		for x := 0; x < big.Bounds().Dx(); x++ {
			big.SetGray(x, y, small.GrayAt(x/scale, y/scale))
		}
	}
	return big
}

func TestRecognizeLines(t *testing.T) {
	ensureTesseractAvailable(t)

	lines, err := New().RecognizeLines(context.Background(), renderLine("+6 to Level of all Spell Skills"))
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0].Text, "Spell")
	assert.Greater(t, lines[0].Confidence, 0.0)
}

func TestRecognizeLines_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().RecognizeLines(ctx, renderLine("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
