package plugin

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"toolhost/internal/domain"
	"toolhost/internal/infra/tracer"
)

// Installer limits.
const (
	DefaultMaxArchiveBytes int64 = 256 << 20
	DefaultMaxExtractBytes int64 = 1 << 30
	maxArchiveEntries            = 20000
)

// errInstallCanceled is the cancellation cause set by Cancel.
var errInstallCanceled = errors.New("install canceled by request")

// InstallEntry is a request to install one plugin archive.
type InstallEntry struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size,omitempty"` // expected archive size; 0 skips the check
}

// InstallStage names a phase of an install.
type InstallStage string

const (
	StageDownloading InstallStage = "downloading"
	StageVerifying   InstallStage = "verifying"
	StageExtracting  InstallStage = "extracting"
	StageInstalling  InstallStage = "installing"
	StageDone        InstallStage = "done"
)

// Progress is one install progress report. Percent never decreases within an install.
type Progress struct {
	PluginID string       `json:"pluginId"`
	Stage    InstallStage `json:"stage"`
	Percent  int          `json:"percent"`
	Bytes    int64        `json:"bytes,omitempty"`
	Total    int64        `json:"total,omitempty"`
}

// ProgressFunc receives install progress. It is called on the installing goroutine.
type ProgressFunc func(Progress)

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	PluginDir       string
	TempDir         string // "" uses os.TempDir
	MaxArchiveBytes int64
	MaxExtractBytes int64
	Client          *http.Client
	// CheckURL vets download URLs before any request is made. nil allows all.
	CheckURL func(rawURL string) error
}

// Installer downloads, verifies, and unpacks plugin archives into the
// installed-plugins directory. A failed or canceled install leaves neither
// the plugin directory nor the temporary archive behind.
type Installer struct {
	pluginDir  string
	tempDir    string
	maxArchive int64
	maxExtract int64
	client     *http.Client
	checkURL   func(string) error
	catalog    *Catalog
	bus        domain.EventBus
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// NewInstaller creates a plugin installer. catalog and bus may be nil.
func NewInstaller(cfg InstallerConfig, catalog *Catalog, bus domain.EventBus, logger *slog.Logger) *Installer {
	maxArchive := cfg.MaxArchiveBytes
	if maxArchive <= 0 {
		maxArchive = DefaultMaxArchiveBytes
	}
	maxExtract := cfg.MaxExtractBytes
	if maxExtract <= 0 {
		maxExtract = DefaultMaxExtractBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Installer{
		pluginDir:  cfg.PluginDir,
		tempDir:    cfg.TempDir,
		maxArchive: maxArchive,
		maxExtract: maxExtract,
		client:     client,
		checkURL:   cfg.CheckURL,
		catalog:    catalog,
		bus:        bus,
		logger:     logger,
		inflight:   make(map[string]context.CancelCauseFunc),
	}
}

// Install downloads entry.URL, verifies its SHA-256, extracts it into
// <pluginDir>/<id>, and checks that the unpacked manifest declares the
// requested id. Concurrent installs of the same id and installs of an id
// that is already present are rejected.
func (i *Installer) Install(ctx context.Context, entry InstallEntry, progress ProgressFunc) (*domain.Manifest, error) {
	ctx, span := tracer.StartSpan(ctx, "installer.install", trace.WithAttributes(
		tracer.StringAttr("plugin.id", entry.ID),
		tracer.StringAttr("plugin.version", entry.Version),
	))
	defer span.End()

	m, err := i.install(ctx, entry, progress)
	if err != nil {
		tracer.RecordError(span, err)
		i.logger.Warn("plugin install failed", "plugin", entry.ID, "version", entry.Version, "error", err)
		i.publish(ctx, domain.EventInstallFailed, entry.ID, map[string]string{
			"version": entry.Version,
			"error":   err.Error(),
			"code":    string(domain.ErrorCodeOf(err)),
		})
		return nil, err
	}

	tracer.SetOK(span)
	i.logger.Info("plugin installed", "plugin", m.ID, "version", m.Version)
	i.publish(ctx, domain.EventInstallCompleted, m.ID, map[string]string{"version": m.Version})
	return m, nil
}

func (i *Installer) install(ctx context.Context, entry InstallEntry, progress ProgressFunc) (*domain.Manifest, error) {
	const op = "Installer.Install"
	if err := i.validateEntry(op, entry); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !i.begin(entry.ID, cancel) {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrLimitReached,
			fmt.Sprintf("install of %q already in progress", entry.ID))
	}
	defer i.end(entry.ID)

	destDir := filepath.Join(i.pluginDir, entry.ID)
	if _, err := os.Stat(destDir); err == nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrDuplicate,
			fmt.Sprintf("plugin %q already installed; uninstall it first", entry.ID))
	}

	rep := &progressReporter{id: entry.ID, fn: progress, publish: func(p Progress) {
		i.publish(ctx, domain.EventInstallProgress, p.PluginID, p)
	}}

	m, err := i.run(ctx, entry, destDir, rep)
	if err != nil {
		if errors.Is(context.Cause(ctx), errInstallCanceled) {
			return nil, domain.NewSubSystemError("installer", op, domain.ErrCanceled, entry.ID)
		}
		return nil, err
	}
	rep.report(StageDone, 100, 0, 0)
	return m, nil
}

func (i *Installer) run(ctx context.Context, entry InstallEntry, destDir string, rep *progressReporter) (*domain.Manifest, error) {
	const op = "Installer.Install"

	tmp, err := os.CreateTemp(i.tempDir, "toolhost-"+entry.ID+"-*.zip")
	if err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, "create temp archive: "+err.Error())
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	rep.report(StageDownloading, 0, 0, entry.Size)
	sum, n, err := i.download(ctx, entry, tmp, rep)
	if err != nil {
		return nil, err
	}

	rep.report(StageVerifying, 80, n, n)
	if entry.Size > 0 && n != entry.Size {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIntegrity,
			fmt.Sprintf("size mismatch: got %d bytes, want %d", n, entry.Size))
	}
	if !strings.EqualFold(sum, strings.TrimSpace(entry.SHA256)) {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIntegrity,
			fmt.Sprintf("sha256 mismatch: got %s, want %s", sum, entry.SHA256))
	}
	rep.report(StageVerifying, 85, n, n)

	if err := ctx.Err(); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrCanceled, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, err.Error())
	}

	// Unpack into a hidden staging directory, which scans skip, and move it
	// into place only once the manifest checks out.
	if err := os.MkdirAll(i.pluginDir, 0o755); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, "create plugin dir: "+err.Error())
	}
	stageDir, err := os.MkdirTemp(i.pluginDir, "."+entry.ID+".staging-")
	if err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, "create staging dir: "+err.Error())
	}
	defer func() {
		if rmErr := os.RemoveAll(stageDir); rmErr != nil {
			i.logger.Error("install cleanup failed", "plugin", entry.ID, "path", stageDir, "error", rmErr)
		}
	}()
	if err := os.Chmod(stageDir, 0o755); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, err.Error())
	}
	if err := extractZip(ctx, tmp.Name(), stageDir, i.maxExtract, func(done, total int) {
		rep.report(StageExtracting, 85+done*10/max(total, 1), 0, 0)
	}); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	rep.report(StageInstalling, 95, 0, 0)
	data, err := os.ReadFile(filepath.Join(stageDir, domain.ManifestFile))
	if err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrValidation,
			"archive has no manifest.json at its root")
	}
	m, err := ParseManifest(data, entry.ID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if m.ID != entry.ID {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrValidation,
			fmt.Sprintf("manifest id %q does not match requested id %q", m.ID, entry.ID))
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrCanceled, err.Error())
	}
	if err := os.Rename(stageDir, destDir); err != nil {
		return nil, domain.NewSubSystemError("installer", op, domain.ErrIOFailure, "move into place: "+err.Error())
	}
	return &m, nil
}

// validateEntry rejects requests that cannot be installed safely before
// anything is downloaded.
func (i *Installer) validateEntry(op string, entry InstallEntry) error {
	if err := validatePluginID(entry.ID); err != nil {
		return domain.NewSubSystemError("installer", op, domain.ErrInvalidInput, err.Error())
	}
	if !isSHA256Hex(strings.TrimSpace(entry.SHA256)) {
		return domain.NewSubSystemError("installer", op, domain.ErrInvalidInput,
			fmt.Sprintf("plugin %q has no valid sha256 digest", entry.ID))
	}
	if entry.URL == "" {
		return domain.NewSubSystemError("installer", op, domain.ErrInvalidInput, "no download url")
	}
	if i.checkURL != nil {
		if err := i.checkURL(entry.URL); err != nil {
			return domain.WrapOp(op, err)
		}
	}
	return nil
}

func isSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// download streams the archive into w while hashing it.
func (i *Installer) download(ctx context.Context, entry InstallEntry, w io.Writer, rep *progressReporter) (string, int64, error) {
	const op = "Installer.Download"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return "", 0, domain.NewSubSystemError("installer", op, domain.ErrInvalidInput, err.Error())
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", 0, i.transferError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, domain.NewSubSystemError("installer", op, domain.ErrIOFailure,
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, entry.URL))
	}

	total := entry.Size
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	if total > i.maxArchive {
		return "", 0, domain.NewSubSystemError("installer", op, domain.ErrLimitReached,
			fmt.Sprintf("archive is %d bytes, limit %d", total, i.maxArchive))
	}

	hasher := sha256.New()
	cw := &countingWriter{onWrite: func(n int64) {
		if total > 0 {
			rep.report(StageDownloading, int(min(n, total)*80/total), n, total)
		}
	}}
	body := io.LimitReader(resp.Body, i.maxArchive+1)
	n, err := io.Copy(io.MultiWriter(w, hasher, cw), body)
	if err != nil {
		return "", 0, i.transferError(ctx, op, err)
	}
	if n > i.maxArchive {
		return "", 0, domain.NewSubSystemError("installer", op, domain.ErrLimitReached,
			fmt.Sprintf("archive exceeds %d bytes", i.maxArchive))
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func (i *Installer) transferError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.NewSubSystemError("installer", op, domain.ErrCanceled, err.Error())
	}
	return domain.NewSubSystemError("installer", op, domain.ErrIOFailure, err.Error())
}

// Cancel aborts an in-flight install of id. The install returns a
// cancellation error after the usual cleanup.
func (i *Installer) Cancel(id string) error {
	i.mu.Lock()
	cancel, ok := i.inflight[id]
	i.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("installer", "Installer.Cancel", domain.ErrNotFound,
			fmt.Sprintf("no install of %q in progress", id))
	}
	cancel(errInstallCanceled)
	i.logger.Info("plugin install canceled", "plugin", id)
	return nil
}

// InProgress reports whether an install of id is running.
func (i *Installer) InProgress(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.inflight[id]
	return ok
}

// Uninstall removes an installed plugin directory.
func (i *Installer) Uninstall(ctx context.Context, id string) error {
	const op = "Installer.Uninstall"
	if err := validatePluginID(id); err != nil {
		return domain.NewSubSystemError("installer", op, domain.ErrInvalidInput, err.Error())
	}
	if i.InProgress(id) {
		return domain.NewSubSystemError("installer", op, domain.ErrLimitReached,
			fmt.Sprintf("install of %q in progress", id))
	}

	destDir := filepath.Join(i.pluginDir, id)
	if _, err := os.Stat(destDir); os.IsNotExist(err) {
		return domain.NewSubSystemError("registry", op, domain.ErrNotFound,
			fmt.Sprintf("plugin %q is not installed", id))
	}
	if err := os.RemoveAll(destDir); err != nil {
		return domain.NewSubSystemError("installer", op, domain.ErrIOFailure, err.Error())
	}

	i.logger.Info("plugin uninstalled", "plugin", id)
	i.publish(ctx, domain.EventPluginUninstalled, id, nil)
	return nil
}

// Update replaces an installed plugin: uninstall, then install.
func (i *Installer) Update(ctx context.Context, entry InstallEntry, progress ProgressFunc) (*domain.Manifest, error) {
	if err := i.validateEntry("Installer.Update", entry); err != nil {
		return nil, err
	}
	if err := i.Uninstall(ctx, entry.ID); err != nil {
		return nil, err
	}
	return i.Install(ctx, entry, progress)
}

// InstallFromCatalog resolves id in the catalog and installs it.
func (i *Installer) InstallFromCatalog(ctx context.Context, id string, progress ProgressFunc) (*domain.Manifest, error) {
	if i.catalog == nil {
		return nil, domain.NewSubSystemError("installer", "Installer.InstallFromCatalog", domain.ErrInvalidInput,
			"no catalog configured")
	}
	entry, err := i.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return i.Install(ctx, entry.InstallEntry(), progress)
}

// Installed returns records for every valid plugin in the installed directory.
func (i *Installer) Installed() ([]domain.PluginRecord, error) {
	s := Scanner{MaxDepth: 1, Logger: i.logger}
	return s.Scan(i.pluginDir, domain.SourceInstalled)
}

func (i *Installer) begin(id string, cancel context.CancelCauseFunc) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[id]; busy {
		return false
	}
	i.inflight[id] = cancel
	return true
}

func (i *Installer) end(id string) {
	i.mu.Lock()
	delete(i.inflight, id)
	i.mu.Unlock()
}

func (i *Installer) publish(ctx context.Context, t domain.EventType, id string, payload any) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(context.WithoutCancel(ctx), domain.NewEvent(t, id, payload))
}

// validatePluginID rejects ids that cannot safely name a directory.
func validatePluginID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("plugin id is empty")
	case id == "." || id == "..", strings.HasPrefix(id, "."):
		return fmt.Errorf("plugin id %q is not allowed", id)
	case strings.ContainsAny(id, `/\:`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("plugin id %q contains path characters", id)
	}
	return nil
}

// progressReporter forwards progress, clamping it so it never goes backwards
// and skipping reports that change nothing.
type progressReporter struct {
	id      string
	fn      ProgressFunc
	publish func(Progress)
	last    int
	stage   InstallStage
	started bool
}

func (p *progressReporter) report(stage InstallStage, pct int, bytes, total int64) {
	pct = min(max(pct, p.last), 100)
	if p.started && pct == p.last && stage == p.stage {
		return
	}
	p.started = true
	p.last = pct
	p.stage = stage

	ev := Progress{PluginID: p.id, Stage: stage, Percent: pct, Bytes: bytes, Total: total}
	if p.fn != nil {
		p.fn(ev)
	}
	if p.publish != nil {
		p.publish(ev)
	}
}

type countingWriter struct {
	n       int64
	onWrite func(total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	c.onWrite(c.n)
	return len(p), nil
}

// extractZip unpacks src into destDir. Entries that would land outside
// destDir, symlinks, and archives whose uncompressed size exceeds maxBytes
// are rejected.
func extractZip(ctx context.Context, src, destDir string, maxBytes int64, onFile func(done, total int)) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		if errors.Is(err, zip.ErrInsecurePath) {
			return domain.NewSubSystemError("installer", "extractZip", domain.ErrInvalidInput,
				"path traversal detected: "+err.Error())
		}
		return domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure, "open archive: "+err.Error())
	}
	defer zr.Close()

	if len(zr.File) > maxArchiveEntries {
		return domain.NewSubSystemError("installer", "extractZip", domain.ErrLimitReached,
			fmt.Sprintf("archive has %d entries", len(zr.File)))
	}

	root := filepath.Clean(destDir)
	var written int64
	for idx, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return domain.NewSubSystemError("installer", "extractZip", domain.ErrCanceled, err.Error())
		}

		name := strings.ReplaceAll(f.Name, `\`, "/")
		target := filepath.Join(root, filepath.FromSlash(name))
		if filepath.IsAbs(filepath.FromSlash(name)) ||
			(target != root && !strings.HasPrefix(target, root+string(os.PathSeparator))) {
			return domain.NewSubSystemError("installer", "extractZip", domain.ErrInvalidInput,
				fmt.Sprintf("path traversal detected: %s", f.Name))
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return domain.NewSubSystemError("installer", "extractZip", domain.ErrInvalidInput,
				fmt.Sprintf("symlink entries are not allowed: %s", f.Name))
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure, err.Error())
			}
			onFile(idx+1, len(zr.File))
			continue
		}

		n, err := extractFile(f, target, maxBytes-written)
		if err != nil {
			return err
		}
		written += n
		onFile(idx+1, len(zr.File))
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure, err.Error())
	}
	rc, err := f.Open()
	if err != nil {
		return 0, domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure,
			fmt.Sprintf("open %s: %v", f.Name, err))
	}
	defer rc.Close()

	mode := f.Mode().Perm() & 0o755
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure, err.Error())
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	closeErr := out.Close()
	if err != nil {
		return n, domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure,
			fmt.Sprintf("write %s: %v", f.Name, err))
	}
	if n > budget {
		return n, domain.NewSubSystemError("installer", "extractZip", domain.ErrLimitReached,
			"archive expands beyond the size limit")
	}
	if closeErr != nil {
		return n, domain.NewSubSystemError("installer", "extractZip", domain.ErrIOFailure, closeErr.Error())
	}
	return n, nil
}
