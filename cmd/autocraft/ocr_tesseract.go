//go:build tesseract

package main

import (
	"github.com/rendis/autocraft/internal/capture"
	"github.com/rendis/autocraft/internal/capture/tesseract"
	"github.com/rendis/autocraft/internal/engine"
)

// newOCR prefers the sidecar file, used for dry runs, over Tesseract.
func newOCR(cfg Config) engine.OCR {
	if cfg.OCRLines != "" {
		return capture.SidecarOCR{Path: cfg.OCRLines}
	}
	return tesseract.New(cfg.OCRLanguages...)
}
