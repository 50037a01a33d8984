//go:build !tesseract

package main

import (
	"github.com/rendis/autocraft/internal/capture"
	"github.com/rendis/autocraft/internal/engine"
)

// newOCR returns the sidecar reader when configured. Builds without the
// tesseract tag have no real OCR engine, so runs fail preflight otherwise.
func newOCR(cfg Config) engine.OCR {
	if cfg.OCRLines != "" {
		return capture.SidecarOCR{Path: cfg.OCRLines}
	}
	return nil
}
