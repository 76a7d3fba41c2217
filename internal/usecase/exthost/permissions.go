package exthost

import "toolhost/internal/plugin"

// methodPermissions lists the permissions required by individual methods.
// Modules not listed here fall back to modulePermissions.
var methodPermissions = map[string][]string{
	"fs.readFile":      {plugin.PermFSRead},
	"fs.listDir":       {plugin.PermFSRead},
	"fs.stat":          {plugin.PermFSRead},
	"fs.writeFile":     {plugin.PermFSWrite},
	"shell.exec":       {plugin.PermShellExec},
	"shell.spawn":      {plugin.PermShellSpawn},
	"shell.poll":       {plugin.PermShellSpawn},
	"shell.write":      {plugin.PermShellSpawn},
	"shell.kill":       {plugin.PermShellSpawn},
	"shell.list":       {plugin.PermShellSpawn},
	"backend.register": {plugin.PermBackendRegister},
	"backend.dispose":  {plugin.PermBackendRegister},
	"backend.call":     {plugin.PermBackendMessage},
	"backend.notify":   {plugin.PermBackendMessage},
	"backend.on":       {plugin.PermBackendMessage},
	"backend.off":      {plugin.PermBackendMessage},
	"telemetry.send":   {plugin.PermTelemetry},
}

// modulePermissions covers modules whose methods share one permission.
var modulePermissions = map[string][]string{
	"window":  {plugin.PermWindow},
	"storage": {plugin.PermStorage},
	"python":  {plugin.PermPython},
}

// RequiredPermissions returns the permissions a call to module.method needs.
// ok is false for a method with no entry; the host refuses to dispatch it.
func RequiredPermissions(module, method string) (perms []string, ok bool) {
	if perms, ok := methodPermissions[module+"."+method]; ok {
		return perms, true
	}
	if perms, ok := modulePermissions[module]; ok {
		return perms, true
	}
	return nil, false
}
