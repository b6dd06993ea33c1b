package unit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/pilotstreams/errors"
)

// StagingAction says how a staging directive moves a file
type StagingAction string

// Supported staging actions
const (
	ActionCopy StagingAction = "copy"
	ActionLink StagingAction = "link"
	ActionMove StagingAction = "move"
)

// Directive moves one file into or out of a unit sandbox. Relative paths
// resolve against the sandbox.
type Directive struct {
	Source string        `json:"source" yaml:"source"`
	Target string        `json:"target" yaml:"target"`
	Action StagingAction `json:"action,omitempty" yaml:"action,omitempty"`
}

// Description is what a client asks the pilot to run
type Description struct {
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Executable    string            `json:"executable" yaml:"executable"`
	Arguments     []string          `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Environment   map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	WorkDir       string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Cores         int               `json:"cores,omitempty" yaml:"cores,omitempty"`
	InputStaging  []Directive       `json:"input_staging,omitempty" yaml:"input_staging,omitempty"`
	OutputStaging []Directive       `json:"output_staging,omitempty" yaml:"output_staging,omitempty"`
}

// CoresOrDefault returns the requested core count, at least one
func (d Description) CoresOrDefault() int {
	if d.Cores < 1 {
		return 1
	}
	return d.Cores
}

func (d Description) clone() Description {
	c := d
	c.Arguments = slices.Clone(d.Arguments)
	c.Environment = maps.Clone(d.Environment)
	c.InputStaging = slices.Clone(d.InputStaging)
	c.OutputStaging = slices.Clone(d.OutputStaging)
	return c
}

const descriptionSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["executable"],
    "properties": {
      "name":        {"type": "string"},
      "executable":  {"type": "string", "minLength": 1},
      "arguments":   {"type": "array", "items": {"type": "string"}},
      "environment": {"type": "object", "additionalProperties": {"type": "string"}},
      "workdir":     {"type": "string"},
      "cores":       {"type": "integer", "minimum": 1},
      "input_staging":  {"$ref": "#/definitions/directives"},
      "output_staging": {"$ref": "#/definitions/directives"}
    },
    "additionalProperties": false
  },
  "definitions": {
    "directives": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "action": {"enum": ["copy", "link", "move"]}
        },
        "additionalProperties": false
      }
    }
  }
}`

var descriptionLoader = gojsonschema.NewStringLoader(descriptionSchema)

// ParseDescriptions decodes a list of descriptions from YAML or JSON (JSON is
// valid YAML) and validates it against the description schema.
func ParseDescriptions(data []byte) ([]Description, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(err, "unit", "ParseDescriptions", "decode yaml")
	}
	if m, ok := raw.(map[string]any); ok {
		if units, ok := m["units"]; ok {
			raw = units
		}
	}

	// Round-trip through JSON so the schema sees plain JSON types.
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.WrapInvalid(err, "unit", "ParseDescriptions", "normalize document")
	}

	result, err := gojsonschema.Validate(descriptionLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, errors.WrapInvalid(err, "unit", "ParseDescriptions", "run schema")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
			"unit", "ParseDescriptions", "validate descriptions")
	}

	var out []Description
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, errors.WrapInvalid(err, "unit", "ParseDescriptions", "decode descriptions")
	}
	for i := range out {
		defaultActions(out[i].InputStaging)
		defaultActions(out[i].OutputStaging)
	}
	return out, nil
}

func defaultActions(ds []Directive) {
	for i := range ds {
		if ds[i].Action == "" {
			ds[i].Action = ActionCopy
		}
	}
}

// LoadDescriptions reads descriptions from a .yaml, .yml or .json file. The
// document is either a list or a map with a "units" list.
func LoadDescriptions(path string) ([]Description, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported extension %q", filepath.Ext(path)),
			"unit", "LoadDescriptions", "check file type")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unit", "LoadDescriptions", "read file")
	}
	return ParseDescriptions(data)
}
