package plugin

import (
	"fmt"
	"slices"

	"toolhost/internal/domain"
)

// Permission names a plugin may declare.
const (
	PermWindow          = "window"
	PermFSRead          = "fs.read"
	PermFSWrite         = "fs.write"
	PermStorage         = "storage"
	PermShellExec       = "shell.exec"
	PermShellSpawn      = "shell.spawn"
	PermPython          = "python"
	PermBackendRegister = "backend.register"
	PermBackendMessage  = "backend.message"
	PermTelemetry       = "telemetry"
)

// KnownPermissions lists every permission the host understands.
var KnownPermissions = []string{
	PermWindow, PermFSRead, PermFSWrite, PermStorage, PermShellExec,
	PermShellSpawn, PermPython, PermBackendRegister, PermBackendMessage, PermTelemetry,
}

// IsKnownPermission reports whether perm is one of KnownPermissions.
func IsKnownPermission(perm string) bool {
	return slices.Contains(KnownPermissions, perm)
}

// PermissionPolicy is the operator's allow/deny list applied at load time.
// An empty Allowed list allows everything not denied.
type PermissionPolicy struct {
	Allowed []string
	Denied  []string
}

// Validate checks that every permission declared by the manifest
// is allowed and none are denied.
func (p PermissionPolicy) Validate(m domain.Manifest) error {
	denySet := make(map[string]bool, len(p.Denied))
	for _, d := range p.Denied {
		denySet[d] = true
	}
	allowSet := make(map[string]bool, len(p.Allowed))
	for _, a := range p.Allowed {
		allowSet[a] = true
	}

	for _, perm := range m.Permissions {
		if denySet[perm] {
			return fmt.Errorf("%w: plugin %q requests denied permission %q",
				domain.ErrPermissionDenied, m.ID, perm)
		}
		if len(allowSet) > 0 && !allowSet[perm] {
			return fmt.Errorf("%w: plugin %q requests unlisted permission %q",
				domain.ErrPermissionDenied, m.ID, perm)
		}
	}
	return nil
}

// MissingPermissions returns the entries of required not declared by m,
// in the order given.
func MissingPermissions(m domain.Manifest, required []string) []string {
	var missing []string
	for _, perm := range required {
		if !m.HasPermission(perm) {
			missing = append(missing, perm)
		}
	}
	return missing
}
