package diskmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/hashicorp/go-multierror"
)

// ErrUnsupportedVariant is returned by the go-diskfs writer for volumes it
// cannot drive. go-diskfs only implements FAT32.
var ErrUnsupportedVariant = errors.New("unsupported FAT variant")

// DiskfsFilesystemWriter uses go-diskfs to write into a formatted volume
// image. The volume must be FAT32, so it needs a capacity of at least
// 512 MiB (see volume.min_size).
type DiskfsFilesystemWriter struct {
	volumePath string
	disk       *disk.Disk
	filesystem filesystem.FileSystem
}

// NewDiskfsFilesystemWriter creates a new go-diskfs based filesystem writer
func NewDiskfsFilesystemWriter(volumePath string) *DiskfsFilesystemWriter {
	return &DiskfsFilesystemWriter{
		volumePath: volumePath,
	}
}

// Begin opens the volume image and its filesystem.
func (w *DiskfsFilesystemWriter) Begin() error {
	d, err := diskfs.Open(w.volumePath, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return fmt.Errorf("failed to open volume: %w", err)
	}

	fs, err := d.GetFilesystem(0)
	if err != nil {
		_ = d.Close()
		return fmt.Errorf("failed to get filesystem: %w", err)
	}
	if fs.Type() != filesystem.TypeFat32 {
		_ = d.Close()
		return fmt.Errorf("%w: the diskfs writer needs FAT32, raise volume.min_size to 512MiB", ErrUnsupportedVariant)
	}

	w.disk = d
	w.filesystem = fs
	return nil
}

func (w *DiskfsFilesystemWriter) Lookup(p string) (EntryKind, error) {
	if w.filesystem == nil {
		return EntryNone, ErrDiskNotInitialized
	}
	p = normalizePath(p)
	if p == "/" {
		return EntryDir, nil
	}

	infos, err := w.filesystem.ReadDir(path.Dir(p))
	if err != nil {
		return EntryNone, fmt.Errorf("failed to read directory %s: %w", path.Dir(p), err)
	}
	name := path.Base(p)
	for _, info := range infos {
		if !strings.EqualFold(info.Name(), name) {
			continue
		}
		if info.IsDir() {
			return EntryDir, nil
		}
		return EntryFile, nil
	}
	return EntryNone, nil
}

func (w *DiskfsFilesystemWriter) Mkdir(p string) error {
	if w.filesystem == nil {
		return ErrDiskNotInitialized
	}
	if err := w.filesystem.Mkdir(normalizePath(p)); err != nil {
		return classify(fmt.Errorf("failed to create directory %s: %w", p, err))
	}
	return nil
}

// WriteFile writes a file to the filesystem using go-diskfs
func (w *DiskfsFilesystemWriter) WriteFile(filePath string, reader io.Reader, size int64) error {
	if w.filesystem == nil {
		return ErrDiskNotInitialized
	}

	file, err := w.filesystem.OpenFile(normalizePath(filePath), os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return classify(fmt.Errorf("failed to create file: %w", err))
	}
	defer file.Close()

	if _, err := io.CopyN(file, reader, size); err != nil {
		return classify(fmt.Errorf("failed to write file: %w", err))
	}
	return nil
}

// End closes the filesystem and the image.
func (w *DiskfsFilesystemWriter) End() error {
	if w.disk == nil {
		return nil
	}
	var result *multierror.Error
	if err := w.filesystem.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close filesystem: %w", err))
	}
	if err := w.disk.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close volume: %w", err))
	}
	w.disk, w.filesystem = nil, nil
	return result.ErrorOrNil()
}

// normalizePath turns a volume relative path into the absolute form go-diskfs
// expects.
func normalizePath(p string) string {
	return path.Clean("/" + p)
}
