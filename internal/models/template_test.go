package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "object_template.json")
	yamlFile := filepath.Join(dir, "object_template.yaml")
	badFile := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"name": "", "color": ""}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(yamlFile, []byte("name: \"\"\nparts:\n  - \"\"\n"), 0o644))
	require.NoError(t, os.WriteFile(badFile, []byte(`{"name":`), 0o644))

	tests := []struct {
		name    string
		inline  string
		file    string
		want    string
		wantErr error
		errText string
	}{
		{name: "inline wins over file", inline: `{"a": 1}`, file: jsonFile, want: `{"a": 1}`},
		{name: "inline array", inline: ` ["x"] `, want: `["x"]`},
		{name: "json file", file: jsonFile, want: `{"name": "", "color": ""}`},
		{name: "yaml file", file: yamlFile, want: `{"name":"","parts":[""]}`},
		{name: "nothing given", wantErr: ErrNoTemplate},
		{name: "whitespace inline falls back to file", inline: "  ", file: jsonFile, want: `{"name": "", "color": ""}`},
		{name: "invalid inline", inline: `{"a":`, errText: "parse template"},
		{name: "invalid file", file: badFile, errText: "parse template"},
		{name: "missing file", file: filepath.Join(dir, "missing.json"), errText: "read template file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := LoadTemplate(tt.inline, tt.file)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				assert.ErrorContains(t, err, tt.errText)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, string(tmpl))
			}
		})
	}
}

func TestTemplate_Indented(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(`{"name":"","tags":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"name\": \"\",\n  \"tags\": []\n}", tmpl.Indented())
}

func TestTemplate_JSONRoundTripKeepsOrder(t *testing.T) {
	var req struct {
		Template Template `json:"template"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"template":{"z":1,"a":2}}`), &req))
	assert.Equal(t, `{"z":1,"a":2}`, string(req.Template))

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"template":{"z":1,"a":2}}`, string(out))
	assert.Contains(t, string(out), `{"z":1,"a":2}`)
}
