package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoTemplate is returned when neither an inline template nor a template file is given.
var ErrNoTemplate = errors.New("no template provided")

// Template is a caller-supplied JSON value used as the shape of every item output.
// It is kept as raw JSON so key order survives into the prompt.
type Template json.RawMessage

// ParseTemplate validates raw JSON and returns it as a template.
func ParseTemplate(data []byte) (Template, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		var v any
		err := json.Unmarshal(data, &v)
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return Template(data), nil
}

// LoadTemplate resolves a template from an inline JSON string or, when inline is empty, a file.
// Files ending in .yaml or .yml are decoded as YAML and converted to JSON.
func LoadTemplate(inline, file string) (Template, error) {
	if strings.TrimSpace(inline) != "" {
		return ParseTemplate([]byte(inline))
	}
	if file == "" {
		return nil, ErrNoTemplate
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse template: %w", err)
		}
		converted, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml template: %w", err)
		}
		return Template(converted), nil
	default:
		return ParseTemplate(data)
	}
}

// Indented returns the template pretty-printed with two-space indentation.
func (t Template) Indented() string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, t, "", "  "); err != nil {
		return string(t)
	}
	return buf.String()
}

// MarshalJSON keeps the template verbatim when embedded in other JSON documents.
func (t Template) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// UnmarshalJSON accepts any JSON value.
func (t *Template) UnmarshalJSON(data []byte) error {
	if t == nil {
		return errors.New("models.Template: UnmarshalJSON on nil pointer")
	}
	*t = append((*t)[0:0], data...)
	return nil
}
