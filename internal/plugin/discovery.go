package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"toolhost/internal/domain"
)

// DefaultScanDepth bounds how far below a source root manifests are searched.
const DefaultScanDepth = 2

// Scanner finds and loads plugin manifests below a directory.
type Scanner struct {
	HostProtocol string
	MaxDepth     int
	Policy       PermissionPolicy
	Logger       *slog.Logger
}

// Scan walks root looking for directories containing manifest.json. A
// directory holding a manifest is not descended further; hidden directories
// and node_modules are skipped. Malformed, incompatible, or policy-violating
// manifests are logged and skipped. A missing root yields no records.
func (s Scanner) Scan(root string, source domain.PluginSource) ([]domain.PluginRecord, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin dir %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat plugin dir %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin dir %s is not a directory", abs)
	}

	maxDepth := s.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultScanDepth
	}

	var records []domain.PluginRecord
	s.walk(abs, 0, maxDepth, source, &records)
	return records, nil
}

func (s Scanner) walk(dir string, depth, maxDepth int, source domain.PluginSource, out *[]domain.PluginRecord) {
	manifestPath := filepath.Join(dir, domain.ManifestFile)
	if data, err := os.ReadFile(manifestPath); err == nil {
		if rec, ok := s.load(dir, data, source); ok {
			*out = append(*out, rec)
		}
		return
	} else if !os.IsNotExist(err) {
		s.logger().Warn("unreadable manifest skipped", "path", manifestPath, "error", err)
		return
	}

	if depth >= maxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger().Warn("plugin directory unreadable", "path", dir, "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || name == "node_modules" {
			continue
		}
		s.walk(filepath.Join(dir, name), depth+1, maxDepth, source, out)
	}
}

func (s Scanner) load(dir string, data []byte, source domain.PluginSource) (domain.PluginRecord, bool) {
	log := s.logger().With("path", dir)

	m, err := ParseManifest(data, filepath.Base(dir))
	if err != nil {
		log.Warn("invalid manifest skipped", "error", err)
		return domain.PluginRecord{}, false
	}
	log = log.With("plugin", m.ID)

	if s.HostProtocol != "" {
		if err := CheckProtocol(s.HostProtocol, m.Protocol); err != nil {
			log.Info("plugin unavailable", "protocol", m.Protocol, "host_protocol", s.HostProtocol, "error", err)
			return domain.PluginRecord{}, false
		}
	}
	if err := s.Policy.Validate(m); err != nil {
		log.Warn("plugin rejected by permission policy", "error", err)
		return domain.PluginRecord{}, false
	}
	for _, perm := range m.Permissions {
		if !IsKnownPermission(perm) {
			log.Warn("manifest declares unknown permission", "permission", perm)
		}
	}

	return domain.PluginRecord{
		ID:       m.ID,
		Manifest: m,
		Path:     dir,
		Status:   domain.PluginStatusStopped,
		Mode:     m.Mode(),
		IsDev:    source == domain.SourceDev,
		Source:   source,
	}, true
}

func (s Scanner) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
