package plugin

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"toolhost/internal/domain"
)

// Source is a directory the registry scans, tagged with its precedence.
type Source struct {
	Dir  string
	Kind domain.PluginSource
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	HostProtocol string
	MaxDepth     int
	Policy       PermissionPolicy
	Sources      []Source
}

// Compile-time checks.
var (
	_ domain.PluginLookup = (*Registry)(nil)
	_ domain.StatusWriter = (*Registry)(nil)
)

// Registry tracks the set of known plugins. When an id is found in more than
// one place, dev beats user beats installed; at equal precedence the first
// path scanned wins.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	records map[string]*domain.PluginRecord

	scanner Scanner
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Call Reload to populate it. bus may be nil.
func NewRegistry(cfg RegistryConfig, bus domain.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		sources: append([]Source(nil), cfg.Sources...),
		records: make(map[string]*domain.PluginRecord),
		scanner: Scanner{
			HostProtocol: cfg.HostProtocol,
			MaxDepth:     cfg.MaxDepth,
			Policy:       cfg.Policy,
			Logger:       logger,
		},
		bus:    bus,
		logger: logger,
	}
}

// Reload clears the plugin set and rescans every source. Records for plugins
// still found at the same path keep their current status.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.RLock()
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()

	next := make(map[string]*domain.PluginRecord)
	for _, src := range sources {
		recs, err := r.scanner.Scan(src.Dir, src.Kind)
		if err != nil {
			r.logger.Warn("plugin source skipped", "dir", src.Dir, "error", err)
			continue
		}
		for i := range recs {
			r.merge(next, &recs[i])
		}
	}

	r.mu.Lock()
	for id, rec := range next {
		if old, ok := r.records[id]; ok && old.Path == rec.Path {
			rec.Status = old.Status
			rec.LastError = old.LastError
		}
	}
	r.records = next
	count := len(next)
	r.mu.Unlock()

	r.logger.Info("plugin registry loaded", "plugins", count, "sources", len(sources))
	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventRegistryReloaded, "", map[string]int{"plugins": count}))
	}
	return nil
}

// AddSource registers a further directory and scans it immediately. Adding a
// directory that is already a source only rescans it.
func (r *Registry) AddSource(dir string, kind domain.PluginSource) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return domain.WrapOp("Registry.AddSource", err)
	}
	recs, err := r.scanner.Scan(abs, kind)
	if err != nil {
		return domain.WrapOp("Registry.AddSource", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	known := false
	for _, s := range r.sources {
		if s.Dir == abs && s.Kind == kind {
			known = true
			break
		}
	}
	if !known {
		r.sources = append(r.sources, Source{Dir: abs, Kind: kind})
	}
	for i := range recs {
		r.merge(r.records, &recs[i])
	}
	return nil
}

// Scan exposes a single-directory scan without changing registry state.
func (r *Registry) Scan(root string, isDev bool) ([]domain.PluginRecord, error) {
	kind := domain.SourceInstalled
	if isDev {
		kind = domain.SourceDev
	}
	return r.scanner.Scan(root, kind)
}

// merge applies the collision policy. Callers on r.records hold r.mu.
func (r *Registry) merge(into map[string]*domain.PluginRecord, rec *domain.PluginRecord) {
	existing, ok := into[rec.ID]
	switch {
	case !ok:
		into[rec.ID] = rec
	case existing.Path == rec.Path:
		rec.Status = existing.Status
		rec.LastError = existing.LastError
		into[rec.ID] = rec
	case rec.Source > existing.Source:
		r.logger.Info("plugin overridden by higher precedence source",
			"plugin", rec.ID, "path", rec.Path, "source", rec.Source.String(),
			"overridden_path", existing.Path, "overridden_source", existing.Source.String())
		into[rec.ID] = rec
	default:
		r.logger.Warn("duplicate plugin id ignored",
			"plugin", rec.ID, "path", rec.Path, "source", rec.Source.String(),
			"kept_path", existing.Path, "kept_source", existing.Source.String())
	}
}

// GetAll returns a snapshot of every known plugin, sorted by id.
func (r *Registry) GetAll() []domain.PluginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PluginRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetByID returns a snapshot of one plugin.
func (r *Registry) GetByID(id string) (*domain.PluginRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// UpdateStatus sets a plugin's status. Only the lifecycle controller calls it.
func (r *Registry) UpdateStatus(id string, status domain.PluginStatus, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.NewSubSystemError("registry", "Registry.UpdateStatus", domain.ErrNotFound, id)
	}
	rec.Status = status
	rec.LastError = lastErr
	return nil
}

// Sources returns the configured scan sources.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.sources...)
}
