package diskmanager

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// LoopbackFilesystemWriter uses loopback mounting for fast filesystem writes.
// It needs root and a kernel with vfat support.
type LoopbackFilesystemWriter struct {
	volumePath string
	mountDir   string
}

// NewLoopbackFilesystemWriter creates a new loopback-based filesystem writer
func NewLoopbackFilesystemWriter(volumePath string) *LoopbackFilesystemWriter {
	return &LoopbackFilesystemWriter{
		volumePath: volumePath,
	}
}

// Begin mounts the volume image to a temporary directory using loopback mount
func (w *LoopbackFilesystemWriter) Begin() error {
	mountDir, err := os.MkdirTemp("", "uefi-imager-mount-*")
	if err != nil {
		return fmt.Errorf("failed to create temp mount directory: %w", err)
	}

	// shortname=mixed keeps 8.3 names as given instead of lower-casing them
	cmd := exec.Command("mount", "-t", "vfat", "-o", "loop,shortname=mixed", w.volumePath, mountDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(mountDir)
		return fmt.Errorf("failed to mount loopback: %w (output: %s)", err, string(output))
	}

	w.mountDir = mountDir
	return nil
}

func (w *LoopbackFilesystemWriter) hostPath(p string) (string, error) {
	if w.mountDir == "" {
		return "", fmt.Errorf("filesystem not mounted")
	}
	return filepath.Join(w.mountDir, filepath.FromSlash(normalizePath(p))), nil
}

func (w *LoopbackFilesystemWriter) Lookup(p string) (EntryKind, error) {
	abs, err := w.hostPath(p)
	if err != nil {
		return EntryNone, err
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return EntryNone, nil
	case err != nil:
		return EntryNone, err
	case info.IsDir():
		return EntryDir, nil
	default:
		return EntryFile, nil
	}
}

func (w *LoopbackFilesystemWriter) Mkdir(p string) error {
	abs, err := w.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		return classify(fmt.Errorf("failed to create directory: %w", err))
	}
	return nil
}

// WriteFile writes a file to the mounted filesystem using standard OS operations
func (w *LoopbackFilesystemWriter) WriteFile(filePath string, reader io.Reader, size int64) error {
	absPath, err := w.hostPath(filePath)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return classify(fmt.Errorf("failed to create file: %w", err))
	}
	defer file.Close()

	// Use a large buffered writer (1MB) for better performance
	bufferedWriter := bufio.NewWriterSize(file, 1024*1024)

	if _, err := io.CopyN(bufferedWriter, reader, size); err != nil {
		return classify(fmt.Errorf("failed to write file: %w", err))
	}

	if err := bufferedWriter.Flush(); err != nil {
		return classify(fmt.Errorf("failed to flush file: %w", err))
	}
	return nil
}

// isOutOfSpaceError checks if an error is a "no space left on device" error
func isOutOfSpaceError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(err.Error(), "no space left")
}

// End unmounts the loopback mount and removes the temporary directory
func (w *LoopbackFilesystemWriter) End() error {
	if w.mountDir == "" {
		return nil // Already unmounted or never mounted
	}

	cmd := exec.Command("umount", w.mountDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to unmount: %w (output: %s)", err, string(output))
	}

	if err := os.RemoveAll(w.mountDir); err != nil {
		return fmt.Errorf("failed to remove temp directory: %w", err)
	}

	w.mountDir = ""
	return nil
}
