package diskmanager

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/jgarman/uefi-imager/internal/fat"
)

// NativeFilesystemWriter writes through the in-process FAT implementation.
// It works for every FAT variant and needs no privileges.
type NativeFilesystemWriter struct {
	volume *fat.Volume
}

// NewNativeFilesystemWriter creates a writer on an already formatted volume.
func NewNativeFilesystemWriter(v *fat.Volume) *NativeFilesystemWriter {
	return &NativeFilesystemWriter{volume: v}
}

// Begin checks that a volume is attached.
func (w *NativeFilesystemWriter) Begin() error {
	if w.volume == nil {
		return ErrDiskNotInitialized
	}
	return nil
}

func (w *NativeFilesystemWriter) Lookup(p string) (EntryKind, error) {
	info, err := w.volume.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return EntryNone, nil
	case err != nil:
		return EntryNone, err
	case info.IsDir():
		return EntryDir, nil
	default:
		return EntryFile, nil
	}
}

func (w *NativeFilesystemWriter) Mkdir(p string) error {
	if err := w.volume.Mkdir(p); err != nil {
		return classify(err)
	}
	return nil
}

func (w *NativeFilesystemWriter) WriteFile(p string, reader io.Reader, size int64) error {
	file, err := w.volume.Create(p)
	if err != nil {
		return classify(err)
	}
	if _, err := io.CopyN(file, reader, size); err != nil {
		_ = file.Close()
		return classify(fmt.Errorf("failed to write file: %w", err))
	}
	return file.Close()
}

// ReserveShortNames keeps the 8.3 names of entries still to be written out
// of the aliases the volume generates for long names in dir.
func (w *NativeFilesystemWriter) ReserveShortNames(dir string, names []string) {
	w.volume.ReserveShortNames(dir, names)
}

// End writes the allocation tables back.
func (w *NativeFilesystemWriter) End() error {
	return w.volume.Flush()
}

// classify maps out-of-space conditions onto ErrDiskFull.
func classify(err error) error {
	if isOutOfSpaceError(err) || errors.Is(err, fat.ErrNoSpace) || errors.Is(err, fat.ErrRootFull) {
		return fmt.Errorf("%w: %w", ErrDiskFull, err)
	}
	return err
}
