// Package fat implements FAT12, FAT16 and FAT32 volumes on top of a plain
// io.ReaderAt/io.WriterAt: formatting, directory and file creation, and
// reading back what was written.
//
// All on-disk structures (boot sector, FSInfo, directory entries, allocation
// tables) are modelled as value types with explicit encoders and decoders.
// A Volume keeps its allocation table in memory and writes it back on Flush.
package fat

import (
	"errors"
	"fmt"
	"io"
)

// SectorSize is the only logical sector size produced by Format.
const SectorSize = 512

// Type is the FAT variant of a volume.
type Type int

const (
	FAT12 Type = 12
	FAT16 Type = 16
	FAT32 Type = 32
)

func (t Type) String() string {
	switch t {
	case FAT12, FAT16, FAT32:
		return fmt.Sprintf("FAT%d", int(t))
	default:
		return fmt.Sprintf("FAT(%d)", int(t))
	}
}

var (
	ErrInvalidName   = errors.New("invalid file name")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNoSpace       = errors.New("no space left on volume")
	ErrRootFull      = errors.New("root directory is full")
	ErrFileTooLarge  = errors.New("file too large for FAT")
	ErrReadOnly      = errors.New("volume is read-only")
	ErrTooSmall      = errors.New("volume too small")
	ErrInvalidVolume = errors.New("invalid FAT volume")
)

// Device is the backing store of a volume.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

type readOnlyDevice struct {
	io.ReaderAt
}

func (readOnlyDevice) WriteAt([]byte, int64) (int, error) {
	return 0, ErrReadOnly
}

func errCorrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidVolume, fmt.Sprintf(format, args...))
}
