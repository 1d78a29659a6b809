package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ArtifactDir stores rendered overlays as files and serves them under a
// URL prefix.
type ArtifactDir struct {
	dir    string
	prefix string
}

// NewArtifactDir creates dir if needed. URIs returned by Create are prefix/name.
func NewArtifactDir(dir, prefix string) (*ArtifactDir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if prefix == "" {
		prefix = "/"
	}
	return &ArtifactDir{dir: dir, prefix: prefix}, nil
}

// Dir returns the directory artifacts are written to.
func (a *ArtifactDir) Dir() string { return a.dir }

// Create opens a new artifact file for writing.
func (a *ArtifactDir) Create(name string) (io.WriteCloser, string, error) {
	if err := validName(name); err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create artifact: %w", err)
	}
	return f, path.Join(a.prefix, name), nil
}

// Remove deletes an artifact. Missing files are not an error.
func (a *ArtifactDir) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(a.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
