package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImageName returns the volume name an image is stored under: name with the
// extension that matches format.
func ImageName(name string, format VolumeFormat) string {
	ext := "." + string(format)
	if strings.HasSuffix(name, ext) {
		return name
	}
	if cur := filepath.Ext(name); cur == ".qcow2" || cur == ".raw" || cur == ".img" {
		name = strings.TrimSuffix(name, cur)
	}
	return name + ext
}

// ImportImage uploads a local base image into pool and returns the volume
// name it was stored under. The format is detected from the file contents.
func (m *Manager) ImportImage(ctx context.Context, pool, filePath, name string) (string, error) {
	format, err := DetectImageFormat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to validate image: %w", err)
	}
	volume := ImageName(name, format)

	exists, err := m.VolumeExists(ctx, pool, volume)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("image %s already exists in pool %s", volume, pool)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat image file: %w", err)
	}
	size := uint64(info.Size())

	spec := VolumeSpec{
		Name:     volume,
		Format:   format,
		Capacity: (size/GiB + 1) * GiB,
	}
	if err := m.CreateVolume(ctx, pool, spec); err != nil {
		return "", fmt.Errorf("failed to create image volume: %w", err)
	}

	m.log.Infof("Uploading %s (%d bytes) to %s/%s...", filePath, size, pool, volume)
	if err := m.upload(ctx, pool, volume, f, size); err != nil {
		_ = m.DeleteVolume(ctx, pool, volume)
		return "", fmt.Errorf("failed to upload image data: %w", err)
	}
	return volume, nil
}
