package exthost

import "sync"

// SurfaceRegistry maps UI surfaces (webview or window ids) to the plugin
// that owns them. Ownership is looked up on every call, never cached.
type SurfaceRegistry struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewSurfaceRegistry creates an empty registry.
func NewSurfaceRegistry() *SurfaceRegistry {
	return &SurfaceRegistry{owners: make(map[string]string)}
}

// Bind records pluginID as the owner of surfaceID, replacing any previous
// owner.
func (r *SurfaceRegistry) Bind(surfaceID, pluginID string) {
	r.mu.Lock()
	r.owners[surfaceID] = pluginID
	r.mu.Unlock()
}

// Unbind forgets surfaceID. Calls already in flight from it fail.
func (r *SurfaceRegistry) Unbind(surfaceID string) {
	r.mu.Lock()
	delete(r.owners, surfaceID)
	r.mu.Unlock()
}

// UnbindPlugin forgets every surface owned by pluginID and returns them.
func (r *SurfaceRegistry) UnbindPlugin(pluginID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for s, p := range r.owners {
		if p == pluginID {
			delete(r.owners, s)
			removed = append(removed, s)
		}
	}
	return removed
}

// Owner returns the plugin that owns surfaceID.
func (r *SurfaceRegistry) Owner(surfaceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.owners[surfaceID]
	return p, ok
}

// Surfaces returns the surfaces owned by pluginID.
func (r *SurfaceRegistry) Surfaces(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for s, p := range r.owners {
		if p == pluginID {
			out = append(out, s)
		}
	}
	return out
}
