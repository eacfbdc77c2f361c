package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	// https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// bootSignature is 0x55aa at offset 510. GPT disks carry it in their
	// protective MBR as well.
	bootSignature = []byte{0x55, 0xaa}
)

// DetectImageFormat identifies a bootable disk image by its magic bytes.
// Anything that is neither qcow2 nor a raw disk with a boot sector is
// rejected.
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read image header: %w", err)
	}
	header = header[:n]

	if len(header) >= len(qcow2Magic) && bytes.Equal(header[:4], qcow2Magic) {
		return VolumeFormatQCOW2, nil
	}
	if len(header) < 512 {
		return "", fmt.Errorf("file too small to be a disk image (%d bytes)", len(header))
	}
	if bytes.Equal(header[510:512], bootSignature) {
		return VolumeFormatRaw, nil
	}
	return "", fmt.Errorf("unsupported image: not qcow2 and no boot sector signature at offset 510")
}
