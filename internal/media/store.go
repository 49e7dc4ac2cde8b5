package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot rejects artifact paths that do not resolve inside the store root
var ErrOutsideRoot = errors.New("artifact path escapes the media root")

// Store is the local artifact storage the queue reads from and cleans up.
// Paths are opaque to callers; the store decides how to resolve them.
type Store interface {
	Exists(path string) bool
	Read(path string) ([]byte, error)
	Delete(path string) error
}

// FileStore keeps artifacts under Root. Relative paths are resolved under Root;
// absolute paths are accepted only when they point inside it. Nothing outside
// Root is ever read or deleted, symlinks included.
type FileStore struct {
	Root string
}

func NewFileStore(root string) *FileStore {
	if abs, err := filepath.Abs(root); err == nil && root != "" {
		root = abs
	}
	return &FileStore{Root: root}
}

func (s *FileStore) resolve(path string) (string, error) {
	if s.Root == "" || path == "" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.Root, full)
	}
	full = filepath.Clean(full)
	if !within(s.Root, full) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}

	// a link inside Root must not lead out of it
	if real, err := filepath.EvalSymlinks(full); err == nil {
		root := s.Root
		if r, err := filepath.EvalSymlinks(root); err == nil {
			root = r
		}
		if !within(root, real) {
			return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
		}
	}
	return full, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Exists reports whether path is a regular file inside Root
func (s *FileStore) Exists(path string) bool {
	full, err := s.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

func (s *FileStore) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the artifact; a file that is already gone is not an error
func (s *FileStore) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", path, err)
	}
	return nil
}
