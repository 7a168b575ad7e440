package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
)

const (
	// Suffix marks a directory as an installable bundle.
	Suffix = ".app"
	// ManifestName is the manifest file at the bundle root.
	ManifestName = "bundle.yaml"
	// SignatureName holds the detached identity proof at the bundle root.
	SignatureName = "bundle.p7s"
)

// Manifest describes the bundle's entry point.
type Manifest struct {
	Name       string   `yaml:"name"`
	Version    string   `yaml:"version"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
}

// Bundle is a structurally valid bundle directory.
type Bundle struct {
	Path     string
	Manifest Manifest
}

// ExecutablePath returns the absolute path of the main executable.
func (b *Bundle) ExecutablePath() string {
	return filepath.Join(b.Path, filepath.FromSlash(b.Manifest.Executable))
}

// ManifestPath returns the path of bundle.yaml.
func (b *Bundle) ManifestPath() string {
	return filepath.Join(b.Path, ManifestName)
}

// Open validates the bundle at path. Structural problems are reported as
// errdefs.ErrInvalidDownloadedBundle; filesystem errors are passed through.
func Open(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() || !strings.EqualFold(filepath.Ext(path), Suffix) {
		return nil, invalid("%s is not a %s directory", path, Suffix)
	}

	data, err := os.ReadFile(filepath.Join(path, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, invalid("%s has no %s", path, ManifestName)
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, invalid("malformed %s: %v", ManifestName, err)
	}
	if m.Executable == "" {
		return nil, invalid("%s does not name an executable", ManifestName)
	}
	if filepath.IsAbs(m.Executable) || strings.HasPrefix(filepath.Clean(filepath.FromSlash(m.Executable)), "..") {
		return nil, invalid("executable %q escapes the bundle", m.Executable)
	}

	b := &Bundle{Path: path, Manifest: m}

	exe, err := os.Stat(b.ExecutablePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, invalid("executable %s is missing", m.Executable)
		}
		return nil, err
	}
	if !exe.Mode().IsRegular() || exe.Mode().Perm()&0o111 == 0 {
		return nil, invalid("executable %s is not an executable file", m.Executable)
	}

	return b, nil
}

// IsBundle reports whether path opens as a valid bundle.
func IsBundle(path string) bool {
	_, err := Open(path)
	return err == nil
}

// Locate returns the first bundle found breadth-first in dir, looking at dir's
// children and then one level of subdirectories.
func Locate(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var subdirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if b, err := Open(p); err == nil {
			return b, nil
		}
		subdirs = append(subdirs, p)
	}

	for _, sub := range subdirs {
		children, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, c := range children {
			if !c.IsDir() {
				continue
			}
			if b, err := Open(filepath.Join(sub, c.Name())); err == nil {
				return b, nil
			}
		}
	}

	return nil, fmt.Errorf("no %s bundle in %s: %w", Suffix, dir, errdefs.ErrInvalidDownloadedBundle)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidDownloadedBundle)
}
