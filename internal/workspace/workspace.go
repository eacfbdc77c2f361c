// Package workspace manages the local working directories baker renders
// definitions into and stages assets in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FS performs the local filesystem steps of a machine install.
type FS struct {
	log  logrus.FieldLogger
	http *http.Client
}

// New creates an FS. A nil client uses http.DefaultClient.
func New(log logrus.FieldLogger, client *http.Client) *FS {
	if client == nil {
		client = http.DefaultClient
	}
	return &FS{log: log, http: client}
}

// EnsureDir creates dir and its parents if missing.
func (w *FS) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists.
func (w *FS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

// ReadFile returns the contents of path.
func (w *FS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Entries returns the paths of dir's immediate children, sorted by name.
func (w *FS) Entries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// WriteFile replaces path with data.
func (w *FS) WriteFile(path string, data []byte, mode fs.FileMode) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// WriteFile keeps the old mode on existing files
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dstDir/name and sets mode, creating dstDir.
func (w *FS) CopyFile(src, dstDir, name string, mode fs.FileMode) error {
	if err := w.EnsureDir(dstDir); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(dstDir, name)
	tmp, err := os.CreateTemp(dstDir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to place %s: %w", dst, err)
	}
	w.log.Debugf("Copied %s -> %s (%o)", src, dst, mode)
	return nil
}

// Download fetches url into dst unless dst already exists. The file only
// appears at dst once the transfer completes.
func (w *FS) Download(ctx context.Context, url, dst string) error {
	exists, err := w.Exists(dst)
	if err != nil {
		return err
	}
	if exists {
		w.log.Debugf("%s already present, skipping download", dst)
		return nil
	}
	if err := w.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	w.log.Infof("Downloading %s...", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to place %s: %w", dst, err)
	}
	w.log.Infof("Downloaded %s (%d bytes)", filepath.Base(dst), n)
	return nil
}
