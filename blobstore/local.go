package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store using the local file system.
//
// Writes go to a temp file in the same directory followed by an atomic
// rename; PutAll stages every temp file first and renames them together, so
// a crash mid-save never leaves a mixed snapshot generation behind.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory,
// creating it if necessary.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: failed to create root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, name)
}

// Put writes a blob via temp file + atomic rename.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := s.stage(name, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.syncDir()
	return nil
}

// Get reads a whole blob.
func (s *LocalStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// Delete removes a blob.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns blob names with the given prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name := e.Name(); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// PutAll stages all blobs as temp files, then renames them together.
func (s *LocalStore) PutAll(ctx context.Context, blobs map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type staged struct {
		tmp    string
		target string
	}
	stagedFiles := make([]staged, 0, len(blobs))
	defer func() {
		for _, f := range stagedFiles {
			_ = os.Remove(f.tmp)
		}
	}()

	for name, data := range blobs {
		tmp, err := s.stage(name, data)
		if err != nil {
			return err
		}
		stagedFiles = append(stagedFiles, staged{tmp: tmp, target: s.path(name)})
	}

	for _, f := range stagedFiles {
		if err := os.Rename(f.tmp, f.target); err != nil {
			return fmt.Errorf("blobstore: failed to rename %s: %w", f.target, err)
		}
	}
	stagedFiles = nil

	s.syncDir()
	return nil
}

// stage writes data to a synced temp file next to the target and returns its
// path.
func (s *LocalStore) stage(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	_ = tmp.Chmod(0o644)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

// syncDir fsyncs the root directory so renames are durable on POSIX.
// Best-effort.
func (s *LocalStore) syncDir() {
	if d, err := os.Open(s.root); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
