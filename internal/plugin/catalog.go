package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"toolhost/internal/domain"
)

// Default catalog settings.
const (
	defaultCatalogTTL         = 15 * time.Minute
	defaultCatalogMaxFailures = 3
	defaultCatalogOpenTimeout = 60 * time.Second
	catalogCacheFile          = "catalog.json"
)

// CatalogEntry describes a plugin available from the remote catalog.
type CatalogEntry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	DownloadURL string   `json:"download_url"` // direct URL to a .zip
	SHA256      string   `json:"sha256"`       // hex digest of the archive
	Size        int64    `json:"size,omitempty"`
	Tags        []string `json:"tags"`
	Verified    bool     `json:"verified"`
	Protocol    string   `json:"protocol,omitempty"`
}

// InstallEntry converts a catalog entry into an installer request.
func (e CatalogEntry) InstallEntry() InstallEntry {
	return InstallEntry{
		ID:      e.ID,
		Version: e.Version,
		URL:     e.DownloadURL,
		SHA256:  e.SHA256,
		Size:    e.Size,
	}
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	URL      string
	CacheDir string
	CacheTTL time.Duration
	Client   *http.Client
}

// Catalog is a client for the remote plugin index (a JSON array served over
// HTTP). Fetches go through a circuit breaker so a dead index fails fast and
// the last good copy keeps serving.
type Catalog struct {
	url      string
	cacheDir string
	cacheTTL time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]CatalogEntry]

	mu      sync.RWMutex
	entries []CatalogEntry
	fetched time.Time

	logger *slog.Logger
}

// NewCatalog creates a catalog client. CacheDir stores a local copy of the index.
func NewCatalog(cfg CatalogConfig, logger *slog.Logger) *Catalog {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Catalog{
		url:      cfg.URL,
		cacheDir: cfg.CacheDir,
		cacheTTL: ttl,
		client:   client,
		logger:   logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]CatalogEntry](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     defaultCatalogOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCatalogMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// Refresh fetches the latest index from the remote URL.
func (c *Catalog) Refresh(ctx context.Context) error {
	entries, err := c.breaker.Execute(func() ([]CatalogEntry, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("catalog %s circuit open: %w", c.url, err)
		}
		return err
	}

	c.mu.Lock()
	c.entries = entries
	c.fetched = time.Now()
	c.mu.Unlock()

	if c.cacheDir != "" {
		if err := c.saveCache(entries); err != nil {
			c.logger.Warn("failed to cache catalog index", "error", err)
		}
	}
	return nil
}

func (c *Catalog) fetch(ctx context.Context) ([]CatalogEntry, error) {
	if c.url == "" {
		return nil, fmt.Errorf("catalog url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: HTTP %d", resp.StatusCode)
	}

	var entries []CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	return entries, nil
}

// Entries returns all catalog entries, refreshing if stale.
func (c *Catalog) Entries(ctx context.Context) ([]CatalogEntry, error) {
	c.mu.RLock()
	stale := time.Since(c.fetched) > c.cacheTTL
	entries := c.entries
	c.mu.RUnlock()

	if !stale && entries != nil {
		return entries, nil
	}

	if entries == nil && c.cacheDir != "" {
		if cached, err := c.loadCache(); err == nil {
			c.mu.Lock()
			c.entries = cached
			c.mu.Unlock()
			entries = cached
		}
	}

	if err := c.Refresh(ctx); err != nil {
		if entries != nil {
			c.logger.Warn("using stale catalog cache", "error", err)
			return entries, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries, nil
}

// Search returns entries matching the query (case-insensitive substring match
// against id, name, description, tags, and author).
func (c *Catalog) Search(ctx context.Context, query string) ([]CatalogEntry, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var results []CatalogEntry
	for _, e := range entries {
		if matchesQuery(e, q) {
			results = append(results, e)
		}
	}
	return results, nil
}

// Get returns a specific entry by plugin id.
func (c *Catalog) Get(ctx context.Context, id string) (*CatalogEntry, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, domain.NewSubSystemError("registry", "Catalog.Get", domain.ErrNotFound, id)
}

func matchesQuery(e CatalogEntry, q string) bool {
	if strings.Contains(strings.ToLower(e.ID), q) ||
		strings.Contains(strings.ToLower(e.Name), q) ||
		strings.Contains(strings.ToLower(e.Description), q) ||
		strings.Contains(strings.ToLower(e.Author), q) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func (c *Catalog) saveCache(entries []CatalogEntry) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cacheDir, catalogCacheFile), data, 0o644)
}

func (c *Catalog) loadCache() ([]CatalogEntry, error) {
	data, err := os.ReadFile(filepath.Join(c.cacheDir, catalogCacheFile))
	if err != nil {
		return nil, err
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
