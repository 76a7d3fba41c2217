package plugin

import (
	"path/filepath"
	"strings"

	"toolhost/internal/domain"
)

// guiKeywords mark a start command as a windowed program.
var guiKeywords = []string{"gui", "electron", "tkinter", "pyqt", "pyside", "wx", "window", "desktop"}

// InferRuntime builds a standalone runtime from the simplified manifest fields
// start and port. It is a pure function of its inputs.
//
//	port set           -> http-service, ready when the port accepts connections
//	GUI keyword match  -> gui, no readiness wait
//	otherwise          -> cli, no readiness wait
func InferRuntime(start string, port int) (domain.StandaloneRuntime, error) {
	fields := strings.Fields(start)
	if len(fields) == 0 {
		if port == 0 {
			return domain.StandaloneRuntime{}, invalid("start command is empty")
		}
		return domain.StandaloneRuntime{}, invalid("port %d declared without a start command", port)
	}

	rt := domain.StandaloneRuntime{
		Backend: backendTypeForCommand(fields[0]),
		Command: fields[0],
		Args:    fields[1:],
		Port:    port,
	}

	switch {
	case port != 0:
		rt.Kind = domain.StandaloneHTTPService
		rt.Ready = domain.ReadyPort
	case looksLikeGUI(start):
		rt.Kind = domain.StandaloneGUI
		rt.Ready = domain.ReadyNone
	default:
		rt.Kind = domain.StandaloneCLI
		rt.Ready = domain.ReadyNone
	}
	return rt, nil
}

// backendTypeForCommand maps a program name to a backend type:
// python* -> python, node/npm/npx -> node, anything else runs as a binary.
func backendTypeForCommand(command string) domain.BackendType {
	base := strings.ToLower(filepath.Base(command))
	base = strings.TrimSuffix(base, ".exe")
	switch {
	case strings.HasPrefix(base, "python"):
		return domain.BackendPython
	case base == "node" || base == "npm" || base == "npx":
		return domain.BackendNode
	default:
		return domain.BackendBinary
	}
}

func looksLikeGUI(start string) bool {
	s := strings.ToLower(start)
	for _, kw := range guiKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
