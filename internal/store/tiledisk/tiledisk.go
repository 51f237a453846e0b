// Package tiledisk persists tile images on the local filesystem under
// {root}/{provider}/{z}/{x}/{y}.{ext}.
package tiledisk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tilevault/tilevault/internal/tilemath"
)

// ErrNotFound marks a tile with no file on disk.
var ErrNotFound = errors.New("tile not on disk")

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("tile directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tile root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the absolute path a tile would occupy, whether or not it exists.
func (s *Store) Path(provider string, t tilemath.Tile, format string) string {
	return filepath.Join(s.root, provider,
		strconv.Itoa(t.Z), strconv.Itoa(t.X),
		fmt.Sprintf("%d.%s", t.Y, format))
}

// Write stores tile bytes atomically (temp file then rename) and returns the
// final path and the SHA-256 of the payload.
func (s *Store) Write(provider string, t tilemath.Tile, format string, data []byte) (string, string, error) {
	dst := s.Path(provider, t, format)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", fmt.Errorf("create tile dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp tile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("write temp tile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("close temp tile: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("rename tile into place: %w", err)
	}

	sum := sha256.Sum256(data)
	return dst, hex.EncodeToString(sum[:]), nil
}

// Read returns the stored bytes for a tile.
func (s *Store) Read(provider string, t tilemath.Tile, format string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(provider, t, format))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read tile: %w", err)
	}
	return data, nil
}

// Exists reports whether the tile file is present and returns its size.
func (s *Store) Exists(provider string, t tilemath.Tile, format string) (bool, int64, error) {
	info, err := os.Stat(s.Path(provider, t, format))
	if errors.Is(err, fs.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("stat tile: %w", err)
	}
	return true, info.Size(), nil
}

// Remove deletes the tile file. Removing a missing tile is not an error.
func (s *Store) Remove(provider string, t tilemath.Tile, format string) error {
	err := os.Remove(s.Path(provider, t, format))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove tile: %w", err)
	}
	return nil
}

// RemoveZoom deletes every stored tile of a provider at one zoom level.
// A zoom with no files is not an error.
func (s *Store) RemoveZoom(provider string, zoom int) error {
	if provider == "" {
		return errors.New("provider is required")
	}
	dir := filepath.Join(s.root, provider, strconv.Itoa(zoom))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove zoom dir %q: %w", dir, err)
	}
	return nil
}

// Usage walks the store and returns total file count and bytes, optionally
// restricted to one provider.
func (s *Store) Usage(provider string) (int, int64, error) {
	root := s.root
	if provider != "" {
		root = filepath.Join(s.root, provider)
	}
	var (
		files int
		bytes int64
	)
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, 0, fmt.Errorf("walk tile store: %w", err)
	}
	return files, bytes, nil
}
