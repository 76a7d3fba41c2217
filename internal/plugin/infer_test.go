package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/domain"
)

func TestInferRuntime(t *testing.T) {
	tests := []struct {
		start   string
		port    int
		backend domain.BackendType
		kind    domain.StandaloneKind
		ready   domain.ReadyMode
	}{
		{"python app.py", 0, domain.BackendPython, domain.StandaloneCLI, domain.ReadyNone},
		{"python3 -m http.server", 8000, domain.BackendPython, domain.StandaloneHTTPService, domain.ReadyPort},
		{"node index.js", 3000, domain.BackendNode, domain.StandaloneHTTPService, domain.ReadyPort},
		{"npm start", 0, domain.BackendNode, domain.StandaloneCLI, domain.ReadyNone},
		{"npx electron .", 0, domain.BackendNode, domain.StandaloneGUI, domain.ReadyNone},
		{"python gui_main.py", 0, domain.BackendPython, domain.StandaloneGUI, domain.ReadyNone},
		{"python -m tkinter", 0, domain.BackendPython, domain.StandaloneGUI, domain.ReadyNone},
		{"./bin/tool --serve", 9000, domain.BackendBinary, domain.StandaloneHTTPService, domain.ReadyPort},
		{"./bin/tool", 0, domain.BackendBinary, domain.StandaloneCLI, domain.ReadyNone},
		{"/usr/bin/python3.12 x.py", 0, domain.BackendPython, domain.StandaloneCLI, domain.ReadyNone},
	}
	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			rt, err := InferRuntime(tt.start, tt.port)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, rt.Backend)
			assert.Equal(t, tt.kind, rt.Kind)
			assert.Equal(t, tt.ready, rt.BackendSpec().Ready)
			assert.Equal(t, tt.port, rt.Port)
		})
	}
}

func TestInferRuntime_SplitsCommand(t *testing.T) {
	rt, err := InferRuntime("  node  server.js --port 3000 ", 3000)
	require.NoError(t, err)
	assert.Equal(t, "node", rt.Command)
	assert.Equal(t, []string{"server.js", "--port", "3000"}, rt.Args)
	assert.Empty(t, rt.Entry)
}

func TestInferRuntime_Empty(t *testing.T) {
	_, err := InferRuntime("", 8080)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = InferRuntime("   ", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInferRuntime_Deterministic(t *testing.T) {
	a, err := InferRuntime("python app.py --window", 0)
	require.NoError(t, err)
	b, err := InferRuntime("python app.py --window", 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
