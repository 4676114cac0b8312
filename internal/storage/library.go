package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoContent is returned when a download directory holds no regular files.
var ErrNoContent = errors.New("no downloaded content")

// Library relocates finished downloads into the media library directory.
type Library struct {
	root string
}

// NewLibrary returns a library rooted at root.
func NewLibrary(root string) *Library {
	return &Library{root: root}
}

func (l *Library) Root() string { return l.root }

// HasContent reports whether dir contains at least one regular file.
func HasContent(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("scan %s: %w", dir, err)
	}
	return found, nil
}

// MoveTree moves every regular file below src into the library, keeping the
// relative layout. Existing files are replaced. It returns the destination
// paths in walk order.
func (l *Library) MoveTree(src string) ([]string, error) {
	ok, err := HasContent(src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoContent
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure library dir: %w", err)
	}

	var moved []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst, err := l.resolve(rel)
		if err != nil {
			return err
		}
		if err := moveFile(path, dst); err != nil {
			return err
		}
		moved = append(moved, dst)
		return nil
	})
	if err != nil {
		return moved, fmt.Errorf("move into library: %w", err)
	}
	return moved, nil
}

// resolve maps a relative path to a location inside the library root.
func (l *Library) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes library", rel)
	}
	return filepath.Join(l.root, clean), nil
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; copy next to the target and swap it in.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	tmpPath := filepath.Join(filepath.Dir(dst), "."+randomHex(8)+".part")
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
