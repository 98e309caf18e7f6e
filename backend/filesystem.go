package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tmpDirName holds staged files. It is skipped by Scan.
const tmpDirName = ".staging"

// Filesystem implements LocalBackend using the local filesystem. Objects
// only appear through Import, which renames a fully written staging file.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Path returns the local file path for key.
func (fs *Filesystem) Path(key string) string {
	return fs.keyToPath(key)
}

// Stat returns the size and modification time of key.
func (fs *Filesystem) Stat(ctx context.Context, key string) (Entry, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Scan returns every entry under prefix, skipping the staging directory and
// temp files. A prefix naming a single file returns that file.
func (fs *Filesystem) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []Entry{{Key: prefix, Size: info.Size(), ModTime: info.ModTime()}}, nil
	}

	var entries []Entry
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Deleted while scanning.
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") || strings.HasPrefix(d.Name(), ".spool-") {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return entries, nil
}

// Import renames src into place as key.
func (fs *Filesystem) Import(ctx context.Context, key, src string) error {
	path := fs.keyToPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.Rename(src, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// TempDir returns the staging directory under the root, creating it if needed.
func (fs *Filesystem) TempDir() string {
	dir := filepath.Join(fs.root, tmpDirName)
	_ = os.MkdirAll(dir, 0755)
	return dir
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Compile-time interface checks
var (
	_ Backend      = (*Filesystem)(nil)
	_ LocalBackend = (*Filesystem)(nil)
)
