package diskmanager

import "io"

// EntryKind is what Lookup found at a path.
type EntryKind int

const (
	EntryNone EntryKind = iota
	EntryFile
	EntryDir
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDir:
		return "directory"
	default:
		return "none"
	}
}

// FilesystemWriter is an interface for writing files to a formatted FAT volume.
// Different implementations can use different methods (native, go-diskfs,
// loopback mount). Paths are slash separated and relative to the volume root.
type FilesystemWriter interface {
	// Begin prepares the filesystem for writing (e.g., mounting)
	Begin() error

	// Lookup reports whether p exists and whether it is a directory.
	Lookup(p string) (EntryKind, error)

	// Mkdir creates a single directory whose parent already exists.
	Mkdir(p string) error

	// WriteFile creates or truncates p and copies size bytes from reader.
	WriteFile(p string, reader io.Reader, size int64) error

	// End finalizes the filesystem writes (e.g., unmounting)
	End() error
}
