package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/autocraft/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const flowSchemaURL = "https://autocraft.local/schemas/flow.json"

// flowSchemaJSON is the JSON Schema of a flow document.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autocraft.local/schemas/flow.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": ["object", "null"] }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "data": { "$ref": "#/$defs/data" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string", "enum": ["true", "false"] }
      },
      "additionalProperties": false
    },
    "data": {
      "type": "object",
      "properties": {
        "customName": { "type": "string" },
        "position": { "$ref": "#/$defs/position" },
        "useShift": { "type": "boolean" },
        "postDelayMs": { "type": "integer", "minimum": 0 },
        "region": { "$ref": "#/$defs/region" },
        "modifiers": { "type": "array", "items": { "$ref": "#/$defs/modifier" } },
        "durationMs": { "type": "integer", "minimum": 0 },
        "delayMs": { "type": "integer", "minimum": 0 },
        "modifierList": { "type": "array", "items": { "$ref": "#/$defs/modifier" } },
        "modifierText": { "type": "string" }
      },
      "additionalProperties": false
    },
    "position": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {
        "x": { "type": "integer", "minimum": 0 },
        "y": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "region": {
      "type": "object",
      "required": ["x", "y", "width", "height"],
      "properties": {
        "x": { "type": "integer", "minimum": 0 },
        "y": { "type": "integer", "minimum": 0 },
        "width": { "type": "integer", "minimum": 1 },
        "height": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "modifier": {
      "type": "object",
      "required": ["pattern"],
      "properties": {
        "pattern": { "type": "string" },
        "text": { "type": "string" },
        "minValue": { "type": "integer" },
        "maxValue": { "type": "integer" },
        "useRange": { "type": "boolean" },
        "when": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates flow documents against flowSchemaJSON.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the flow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{flowSchema: compiled}, nil
}

// ValidateFlow validates a decoded FlowGraph.
func (v *JSONSchemaValidator) ValidateFlow(g *schema.FlowGraph) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow graph is nil")
	}
	b, err := json.Marshal(g)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow graph").WithCause(err)
	}
	return v.ValidateDocument(b)
}

// ValidateDocument validates raw JSON bytes, before any Go decoding, so
// unknown fields and wrong types are reported with their location.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is not valid JSON").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toCraftError(err)
	}
	return nil
}

// toCraftError flattens a jsonschema.ValidationError into a CraftError whose
// details list every leaf violation with its instance location.
func toCraftError(err error) *schema.CraftError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("flow document has %d schema violations", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
