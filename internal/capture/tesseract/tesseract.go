//go:build tesseract

// Package tesseract recognizes modifier lines with the Tesseract engine.
// It needs libtesseract and is only built with -tags tesseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/rendis/autocraft/pkg/schema"
)

// charWhitelist is every character a modifier line can contain.
const charWhitelist = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ%+-.(),/ "

// Engine implements engine.OCR. A fresh client is used per call so the
// engine is safe for the concurrent variant workers.
type Engine struct {
	Languages     []string
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract-backed engine. Languages defaults to "eng".
func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{Languages: languages, clientFactory: gosseract.NewClient}
}

// RecognizeLines returns one candidate per text line with its confidence.
func (e *Engine) RecognizeLines(ctx context.Context, img image.Image) ([]schema.OCRLineCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	c := e.clientFactory()
	defer c.Close()
	if err := e.configure(c); err != nil {
		return nil, err
	}
	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize lines: %w", err)
	}
	out := make([]schema.OCRLineCandidate, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		out = append(out, schema.OCRLineCandidate{Text: text, Confidence: b.Confidence})
	}
	return out, nil
}

func (e *Engine) configure(c *gosseract.Client) error {
	if err := c.SetLanguage(e.Languages...); err != nil {
		return fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return fmt.Errorf("set page segmentation: %w", err)
	}
	if err := c.SetWhitelist(charWhitelist); err != nil {
		return fmt.Errorf("set whitelist: %w", err)
	}
	vars := map[gosseract.SettableVariable]string{
		"preserve_interword_spaces": "1",
		"user_defined_dpi":          "300",
	}
	for k, v := range vars {
		if err := c.SetVariable(k, v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	return nil
}
