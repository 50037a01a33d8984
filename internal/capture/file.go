package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// FileSource is a Capture that reads the "screen" from an image file. The
// file is re-read on every grab so an external tool can keep replacing it.
type FileSource struct {
	Path     string
	Pipeline Pipeline
	// DebugDir, when set, receives a PNG of every variant produced.
	DebugDir string

	seq atomic.Int64
}

// NewFileSource creates a FileSource using DefaultPipeline.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, Pipeline: DefaultPipeline()}
}

// GrabRegion decodes the file and crops region out of it.
func (f *FileSource) GrabRegion(ctx context.Context, region schema.Region) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "read screen %s", f.Path).WithCause(err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "decode screen %s", f.Path).WithCause(err)
	}
	return Crop(img, region)
}

// Variants runs the preprocessing pipeline and optionally dumps the result.
func (f *FileSource) Variants(img image.Image) ([]image.Image, error) {
	out, err := f.Pipeline.Variants(img)
	if err != nil || f.DebugDir == "" {
		return out, err
	}
	n := f.seq.Add(1)
	stamp := time.Now().UTC().Format("20060102T150405")
	for i, v := range out {
		name := fmt.Sprintf("ocr-%c-%s-%04d.png", 'a'+i, stamp, n)
		if err := savePNG(filepath.Join(f.DebugDir, name), v); err != nil {
			return out, schema.NewError(schema.ErrCodeCapability, "save debug variant").WithCause(err)
		}
	}
	return out, nil
}

// Crop returns the part of img inside region, which must overlap it.
func Crop(img image.Image, region schema.Region) (image.Image, error) {
	b := img.Bounds()
	rect := image.Rect(b.Min.X+region.X, b.Min.Y+region.Y,
		b.Min.X+region.X+region.Width, b.Min.Y+region.Y+region.Height)
	clipped := rect.Intersect(b)
	if clipped.Empty() {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"region %dx%d at (%d, %d) is outside the %dx%d screen",
			region.Width, region.Height, region.X, region.Y, b.Dx(), b.Dy())
	}
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, schema.NewError(schema.ErrCodeCapability, "image does not support sub-image")
	}
	return sub.SubImage(clipped), nil
}

func savePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(fh, img); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// SidecarOCR is an OCR stand-in reading recognized lines from a text file,
// one line per row. A row may end in "|<confidence>"; the default is 100.
// It lets a flow be dry-run without an OCR engine.
type SidecarOCR struct {
	Path string
}

// RecognizeLines ignores img and returns the lines of the sidecar file.
func (s SidecarOCR) RecognizeLines(ctx context.Context, _ image.Image) ([]schema.OCRLineCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "read ocr sidecar %s", s.Path).WithCause(err)
	}
	var out []schema.OCRLineCandidate
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		conf := 100.0
		if i := strings.LastIndex(text, "|"); i >= 0 {
			if c, err := strconv.ParseFloat(strings.TrimSpace(text[i+1:]), 64); err == nil {
				conf = c
				text = strings.TrimSpace(text[:i])
			}
		}
		out = append(out, schema.OCRLineCandidate{Text: text, Confidence: conf})
	}
	return out, sc.Err()
}
