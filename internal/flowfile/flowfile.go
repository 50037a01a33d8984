// Package flowfile reads flow graphs saved by the editor (JSON) or written
// by hand (YAML).
package flowfile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/autocraft/pkg/schema"
)

// Format is the encoding of a flow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Validator checks a resolved flow. *validation.FlowValidator satisfies it.
type Validator interface {
	ValidateFlow(g *schema.FlowGraph) error
}

// FormatOf picks the format from the file extension. Unknown extensions
// are sniffed: a document starting with '{' is JSON, anything else YAML.
func FormatOf(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Decode parses data and resolves legacy editor fields.
func Decode(data []byte, format Format) (schema.FlowGraph, error) {
	var g schema.FlowGraph
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &g)
	case FormatYAML:
		err = yaml.Unmarshal(data, &g)
	default:
		return g, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown flow format %q", format)
	}
	if err != nil {
		return g, schema.NewErrorf(schema.ErrCodeValidation, "decode %s flow", format).WithCause(err)
	}
	return g.Resolve(), nil
}

// Load reads, decodes and resolves the flow at path. When v is non-nil the
// flow must also pass validation.
func Load(path string, v Validator) (schema.FlowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.FlowGraph{}, schema.NewErrorf(schema.ErrCodeConfiguration, "read flow %s", path).WithCause(err)
	}
	g, err := Decode(data, FormatOf(path, data))
	if err != nil {
		return g, err
	}
	if g.Name == "" {
		g.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if v != nil {
		if err := v.ValidateFlow(&g); err != nil {
			return g, err
		}
	}
	return g, nil
}

// Encode writes g in the given format. JSON is indented for editing.
func Encode(g schema.FlowGraph, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(g, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(g); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown flow format %q", format)
}
