package fat

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"time"
)

// File is an open file on a Volume. Files from Create are append-only
// writers; files from Open are readers.
type File struct {
	vol    *Volume
	parent dirRef
	index  int
	name   string
	entry  DirEntry
	write  bool
	closed bool

	pos      int64
	clusters []uint32
}

// Create makes a new empty file at p, truncating any existing file. The
// parent directory must exist.
func (v *Volume) Create(p string) (*File, error) {
	if v.readOnly {
		return nil, &fs.PathError{Op: "create", Path: p, Err: ErrReadOnly}
	}
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, &fs.PathError{Op: "create", Path: p, Err: ErrIsDir}
	}
	name := parts[len(parts)-1]
	parent, err := v.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, &fs.PathError{Op: "create", Path: p, Err: err}
	}

	now := v.now()
	s, err := v.find(parent, name)
	switch {
	case err == nil:
		if s.entry.IsDir() {
			return nil, &fs.PathError{Op: "create", Path: p, Err: ErrIsDir}
		}
		if s.entry.FirstCluster != 0 {
			if err := v.fat.release(s.entry.FirstCluster); err != nil {
				return nil, &fs.PathError{Op: "create", Path: p, Err: err}
			}
		}
		e := s.entry
		e.FirstCluster, e.Size, e.Modified = 0, 0, now
		if err := v.updateEntry(parent, s.index, &e); err != nil {
			return nil, &fs.PathError{Op: "create", Path: p, Err: err}
		}
		return &File{vol: v, parent: parent, index: s.index, name: s.name, entry: e, write: true}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, &fs.PathError{Op: "create", Path: p, Err: err}
	}

	e := DirEntry{Attr: AttrArchive, Created: now, Modified: now, Accessed: now}
	idx, err := v.add(parent, dirKey(parts[:len(parts)-1]), name, e)
	if err != nil {
		return nil, &fs.PathError{Op: "create", Path: p, Err: err}
	}
	// add filled in the short name and case flags.
	f := &File{vol: v, parent: parent, index: idx, name: name, write: true}
	buf, err := v.readDirBytes(parent)
	if err != nil {
		return nil, err
	}
	if err := f.entry.UnmarshalBinary(buf[idx*dirEntrySize:]); err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens the file at p for reading.
func (v *Volume) Open(p string) (*File, error) {
	parent, s, err := v.resolve(p)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: p, Err: err}
	}
	if s == nil || s.entry.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: p, Err: ErrIsDir}
	}
	f := &File{vol: v, parent: parent, index: s.index, name: s.name, entry: s.entry}
	if s.entry.FirstCluster != 0 {
		if f.clusters, err = v.fat.chain(s.entry.FirstCluster); err != nil {
			return nil, &fs.PathError{Op: "open", Path: p, Err: err}
		}
	}
	if int64(len(f.clusters))*v.layout.ClusterSize() < int64(s.entry.Size) {
		return nil, &fs.PathError{Op: "open", Path: p, Err: errCorrupt("chain shorter than file size %d", s.entry.Size)}
	}
	return f, nil
}

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

// Stat describes the file as currently written.
func (f *File) Stat() (fs.FileInfo, error) {
	return &FileInfo{name: f.name, entry: f.entry}, nil
}

// SetModTime overrides the modification time recorded on Close.
func (f *File) SetModTime(t time.Time) {
	f.entry.Modified = t
	f.entry.Accessed = t
}

// Write appends p, allocating clusters as it goes.
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if !f.write {
		return 0, ErrReadOnly
	}
	if f.pos+int64(len(p)) > math.MaxUint32 {
		return 0, ErrFileTooLarge
	}
	cs := f.vol.layout.ClusterSize()
	written := 0
	for written < len(p) {
		if f.pos == int64(len(f.clusters))*cs {
			var prev uint32
			if len(f.clusters) > 0 {
				prev = f.clusters[len(f.clusters)-1]
			}
			c, err := f.vol.fat.allocate(prev)
			if err != nil {
				return written, err
			}
			if len(f.clusters) == 0 {
				f.entry.FirstCluster = c
			}
			f.clusters = append(f.clusters, c)
		}
		c := f.clusters[f.pos/cs]
		off := f.pos % cs
		n := min(int64(len(p)-written), cs-off)
		if _, err := f.vol.dev.WriteAt(p[written:written+int(n)], f.vol.layout.ClusterOffset(c)+off); err != nil {
			return written, fmt.Errorf("writing %s: %w", f.name, err)
		}
		written += int(n)
		f.pos += n
		f.entry.Size = uint32(f.pos)
	}
	return written, nil
}

// Read reads from the current position.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at off, returning io.EOF at the end of file.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.write {
		return 0, fmt.Errorf("%s: file is open for writing", f.name)
	}
	size := int64(f.entry.Size)
	if off >= size {
		return 0, io.EOF
	}
	cs := f.vol.layout.ClusterSize()
	read := 0
	for read < len(p) && off < size {
		c := f.clusters[off/cs]
		inner := off % cs
		n := min(int64(len(p)-read), cs-inner, size-off)
		if _, err := f.vol.dev.ReadAt(p[read:read+int(n)], f.vol.layout.ClusterOffset(c)+inner); err != nil {
			return read, fmt.Errorf("reading %s: %w", f.name, err)
		}
		read += int(n)
		off += n
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// Close records the size and first cluster of a written file in its
// directory entry. It does not flush the allocation table.
func (f *File) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	if !f.write {
		return nil
	}
	if f.entry.Modified.IsZero() {
		f.entry.Modified = f.vol.now()
	}
	return f.vol.updateEntry(f.parent, f.index, &f.entry)
}
