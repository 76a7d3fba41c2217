package capability

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/security"
	"toolhost/internal/usecase/exthost"
)

// DefaultMaxReadBytes caps fs.readFile.
const DefaultMaxReadBytes = 16 << 20

// FS is the fs.* capability. Reads are allowed in the plugin's install
// directory and its data directory; writes only in the data directory.
// Relative paths resolve against the data directory unless root is
// "plugin".
type FS struct {
	maxRead int64
}

// NewFS creates the fs module. maxRead <= 0 uses DefaultMaxReadBytes.
func NewFS(maxRead int64) *FS {
	if maxRead <= 0 {
		maxRead = DefaultMaxReadBytes
	}
	return &FS{maxRead: maxRead}
}

func (f *FS) Name() string { return "fs" }

func (f *FS) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{
		"readFile":  method(f.readFile),
		"writeFile": method(f.writeFile),
		"listDir":   method(f.listDir),
		"stat":      method(f.stat),
	}
}

type pathParams struct {
	Path string `json:"path"`
	Root string `json:"root,omitempty"` // "data" (default) or "plugin"
}

type readParams struct {
	pathParams
	Encoding string `json:"encoding,omitempty"` // "utf8" (default) or "base64"
}

type writeParams struct {
	pathParams
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Append   bool   `json:"append,omitempty"`
}

// FileInfo describes one file or directory.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

func fileInfo(fi os.FileInfo) FileInfo {
	return FileInfo{Name: fi.Name(), Size: fi.Size(), IsDir: fi.IsDir(), Mode: fi.Mode().String(), ModTime: fi.ModTime().UTC()}
}

func sandboxFor(call *exthost.Call) (*security.Sandbox, error) {
	if call.Plugin.Path == "" {
		return security.NewSandbox(call.DataDir)
	}
	return security.NewSandbox(call.DataDir, call.Plugin.Path)
}

// target resolves p against the requested root before sandbox validation.
func target(call *exthost.Call, p pathParams) (string, error) {
	switch p.Root {
	case "", "data":
		return p.Path, nil
	case "plugin":
		if p.Path == "" || filepath.IsAbs(p.Path) || call.Plugin.Path == "" {
			return p.Path, nil
		}
		return filepath.Join(call.Plugin.Path, p.Path), nil
	default:
		return "", domain.NewDomainError("fs.resolve", domain.ErrInvalidInput, fmt.Sprintf("unknown root %q", p.Root))
	}
}

func (f *FS) readable(call *exthost.Call, p pathParams) (string, error) {
	sb, err := sandboxFor(call)
	if err != nil {
		return "", err
	}
	t, err := target(call, p)
	if err != nil {
		return "", err
	}
	return sb.ValidatePath(t)
}

func (f *FS) readFile(_ context.Context, call *exthost.Call, p readParams) (any, error) {
	path, err := f.readable(call, p.pathParams)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, domain.NewDomainError("fs.readFile", domain.ErrInvalidInput, "path is a directory")
	}
	if fi.Size() > f.maxRead {
		return nil, domain.NewDomainError("fs.readFile", domain.ErrLimitReached,
			fmt.Sprintf("file is %d bytes, limit %d", fi.Size(), f.maxRead))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch p.Encoding {
	case "", "utf8":
		return map[string]any{"content": string(data)}, nil
	case "base64":
		return map[string]any{"content": base64.StdEncoding.EncodeToString(data), "encoding": "base64"}, nil
	default:
		return nil, domain.NewDomainError("fs.readFile", domain.ErrInvalidInput, fmt.Sprintf("unknown encoding %q", p.Encoding))
	}
}

func (f *FS) writeFile(_ context.Context, call *exthost.Call, p writeParams) (any, error) {
	if p.Root == "plugin" {
		return nil, domain.NewDomainError("fs.writeFile", domain.ErrPathOutsideSandbox, "plugin directory is read-only")
	}
	sb, err := sandboxFor(call)
	if err != nil {
		return nil, err
	}
	path, err := sb.ValidateWritePath(p.Path)
	if err != nil {
		return nil, err
	}

	data := []byte(p.Content)
	switch p.Encoding {
	case "", "utf8":
	case "base64":
		if data, err = base64.StdEncoding.DecodeString(p.Content); err != nil {
			return nil, domain.NewDomainError("fs.writeFile", domain.ErrInvalidInput, "content is not valid base64")
		}
	default:
		return nil, domain.NewDomainError("fs.writeFile", domain.ErrInvalidInput, fmt.Sprintf("unknown encoding %q", p.Encoding))
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if p.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	fh, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return nil, err
	}
	if err := fh.Close(); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(data)}, nil
}

func (f *FS) listDir(_ context.Context, call *exthost.Call, p pathParams) (any, error) {
	if p.Path == "" {
		p.Path = "."
	}
	path, err := f.readable(call, p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		out = append(out, fileInfo(fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]any{"entries": out}, nil
}

func (f *FS) stat(_ context.Context, call *exthost.Call, p pathParams) (any, error) {
	path, err := f.readable(call, p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return fileInfo(fi), nil
}
