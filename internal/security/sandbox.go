package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"toolhost/internal/domain"
)

// Sandbox confines a plugin's file access. Paths may be read anywhere under
// the writable root or one of the read-only roots; writes are allowed only
// under the writable root. Relative paths resolve against the writable root.
type Sandbox struct {
	root     string   // absolute, resolved, writable
	readOnly []string // absolute, resolved
}

// NewSandbox creates a sandbox with root as its writable directory and any
// number of additional read-only directories. Every directory must exist.
func NewSandbox(root string, readOnly ...string) (*Sandbox, error) {
	resolved, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	s := &Sandbox{root: resolved}
	for _, dir := range readOnly {
		r, err := resolveRoot(dir)
		if err != nil {
			return nil, err
		}
		s.readOnly = append(s.readOnly, r)
	}
	return s, nil
}

func resolveRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("sandbox root %q is not a directory", resolved)
	}
	return resolved, nil
}

// ValidatePath resolves requested and checks that it may be read.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	resolved, err := s.resolve("Sandbox.ValidatePath", requested)
	if err != nil {
		return "", err
	}
	if within(resolved, s.root) {
		return resolved, nil
	}
	for _, r := range s.readOnly {
		if within(resolved, r) {
			return resolved, nil
		}
	}
	return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
		fmt.Sprintf("%q is outside the readable roots", resolved))
}

// ValidateWritePath resolves requested and checks that it may be written.
func (s *Sandbox) ValidateWritePath(requested string) (string, error) {
	resolved, err := s.resolve("Sandbox.ValidateWritePath", requested)
	if err != nil {
		return "", err
	}
	if !within(resolved, s.root) {
		return "", domain.NewDomainError("Sandbox.ValidateWritePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("%q is outside writable root %q", resolved, s.root))
	}
	return resolved, nil
}

// resolve makes requested absolute and follows symlinks. A path that does not
// exist yet is resolved through its parent.
func (s *Sandbox) resolve(op, requested string) (string, error) {
	if requested == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "empty path")
	}
	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(p))
		if err2 != nil {
			return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, err2.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(p))
	}
	return resolved, nil
}

// Root returns the writable root.
func (s *Sandbox) Root() string { return s.root }

// ReadOnlyRoots returns the additional readable roots.
func (s *Sandbox) ReadOnlyRoots() []string { return append([]string(nil), s.readOnly...) }

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}
