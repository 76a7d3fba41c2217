package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/domain"
)

const echoManifest = `{
  "id": "com.acme.echo",
  "version": "1.0.0",
  "name": "Echo",
  "permissions": ["backend.register", "backend.message"],
  "runtime": {
    "type": "webview",
    "ui": {"entry": "index.html"},
    "backend": {"type": "node", "entry": "server.js"}
  }
}`

func TestParseManifest_Webview(t *testing.T) {
	m, err := ParseManifest([]byte(echoManifest), "echo")
	require.NoError(t, err)

	assert.Equal(t, "com.acme.echo", m.ID)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, "Echo", m.Name)
	assert.Equal(t, domain.DefaultProtocolRange, m.Protocol)
	assert.Equal(t, []string{"backend.register", "backend.message"}, m.Permissions)
	assert.Equal(t, domain.PluginModeWebview, m.Mode())

	wr, ok := m.Runtime.(domain.WebviewRuntime)
	require.True(t, ok, "runtime type %T", m.Runtime)
	assert.Equal(t, "index.html", wr.UI.Entry)
	require.NotNil(t, wr.Backend)
	assert.Equal(t, domain.BackendNode, wr.Backend.Type)
	assert.Equal(t, "server.js", wr.Backend.Entry)
	assert.Equal(t, domain.ReadyHandshake, wr.Backend.Ready)
}

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"version":"0.1.0","name":"Notes","runtime":{"type":"webview","ui":{"entry":"index.html"}}}`), "notes")
	require.NoError(t, err)

	assert.Equal(t, "notes", m.ID, "id falls back to directory name")
	assert.Equal(t, "^2.0.0", m.Protocol)
	assert.NotNil(t, m.Permissions)
	assert.Empty(t, m.Permissions)
	assert.Nil(t, m.Runtime.BackendSpec(), "pure front-end plugin has no backend")
}

func TestParseManifest_MinimalIsFrontendOnly(t *testing.T) {
	m, err := ParseManifest([]byte(`{"id":"com.acme.min","version":"1.0.0","name":"Min"}`), "min")
	require.NoError(t, err)

	assert.Equal(t, "com.acme.min", m.ID)
	assert.Equal(t, domain.PluginModeWebview, m.Mode())
	wr, ok := m.Runtime.(domain.WebviewRuntime)
	require.True(t, ok, "runtime type %T", m.Runtime)
	assert.Equal(t, domain.DefaultUIEntry, wr.UI.Entry)
	assert.Nil(t, m.Runtime.BackendSpec())
}

func TestParseManifest_Standalone(t *testing.T) {
	data := `{
	  "id": "img-tool", "version": "2.0.0", "name": "Images",
	  "runtime": {"type": "standalone", "entry": "main.py", "args": ["--fast"], "env": {"MODE": "x"}, "requirements": "requirements.txt"},
	  "window": {"width": 800, "height": 600, "resizable": false}
	}`
	m, err := ParseManifest([]byte(data), "img-tool")
	require.NoError(t, err)

	assert.Equal(t, domain.PluginModeStandalone, m.Mode())
	sr, ok := m.Runtime.(domain.StandaloneRuntime)
	require.True(t, ok)
	assert.Equal(t, domain.BackendPython, sr.Backend)
	assert.Equal(t, domain.StandaloneGUI, sr.Kind)
	assert.Equal(t, []string{"--fast"}, sr.Args)
	assert.Equal(t, "requirements.txt", sr.Requirements)

	bc := sr.BackendSpec()
	require.NotNil(t, bc)
	assert.Equal(t, domain.ReadyHandshake, bc.Ready)
	assert.Equal(t, "main.py", bc.Entry)

	require.NotNil(t, m.Window)
	assert.Equal(t, 800, m.Window.Width)
	require.NotNil(t, m.Window.Resizable)
	assert.False(t, *m.Window.Resizable)
}

func TestParseManifest_SimplifiedInference(t *testing.T) {
	m, err := ParseManifest([]byte(`{"version":"1.0.0","name":"Server","start":"python server.py","port":8080}`), "srv")
	require.NoError(t, err)

	sr, ok := m.Runtime.(domain.StandaloneRuntime)
	require.True(t, ok)
	assert.Equal(t, domain.StandaloneHTTPService, sr.Kind)
	assert.Equal(t, domain.BackendPython, sr.Backend)

	bc := m.Runtime.BackendSpec()
	assert.Equal(t, domain.ReadyPort, bc.Ready)
	assert.Equal(t, 8080, bc.Port)
	assert.Equal(t, "python", bc.Command)
	assert.Equal(t, []string{"server.py"}, bc.Args)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"name":`},
		{"missing name", `{"version":"1.0.0","runtime":{"type":"webview","ui":{"entry":"a.html"}}}`},
		{"missing version", `{"name":"x","runtime":{"type":"webview","ui":{"entry":"a.html"}}}`},
		{"unknown runtime type", `{"name":"x","version":"1","runtime":{"type":"applet"}}`},
		{"webview without ui", `{"name":"x","version":"1","runtime":{"type":"webview"}}`},
		{"bad backend type", `{"name":"x","version":"1","runtime":{"type":"webview","ui":{"entry":"a"},"backend":{"type":"ruby","entry":"a.rb"}}}`},
		{"permissions not strings", `{"name":"x","version":"1","permissions":[1],"start":"./run"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data), "dir")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestManifest_MarshalJSONKeepsRuntimeTag(t *testing.T) {
	m, err := ParseManifest([]byte(echoManifest), "echo")
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var out struct {
		ID      string `json:"id"`
		Runtime struct {
			Type string `json:"type"`
			UI   struct {
				Entry string `json:"entry"`
			} `json:"ui"`
		} `json:"runtime"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "com.acme.echo", out.ID)
	assert.Equal(t, "webview", out.Runtime.Type)
	assert.Equal(t, "index.html", out.Runtime.UI.Entry)

	again, err := ParseManifest(data, "echo")
	require.NoError(t, err)
	assert.Equal(t, m, again)
}

func TestCheckProtocol(t *testing.T) {
	tests := []struct {
		host       string
		constraint string
		ok         bool
	}{
		{"2.1.0", "^2.0.0", true},
		{"2.1.0", "^2.5.0", true}, // caret compares majors only
		{"2.1.0", "^3.0.0", false},
		{"2.1.0", "^1.0.0", false},
		{"v2.1.0", "^2.0.0", true},
		{"2.1.0", ">=2.0.0 <2.1.0", false},
		{"2.1.0", ">=2.0.0", true},
		{"2.1.0", "~2.1.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.host+" "+tt.constraint, func(t *testing.T) {
			err := CheckProtocol(tt.host, tt.constraint)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrProtocolIncompatible)
		})
	}
}

func TestCheckProtocol_BadConstraint(t *testing.T) {
	err := CheckProtocol("2.1.0", "^banana")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
