// Package manifest turns file and folder mappings into a FileSet: the
// deterministic, deduplicated list of destination paths to write into the
// FAT volume and the host files that provide them.
package manifest

import (
	"iter"
	"sort"
)

// Entry maps one destination path inside the volume to its host source.
type Entry struct {
	// Dest is slash separated and relative to the volume root.
	Dest   string
	Source string
}

// FileSet is a set of entries kept sorted by Dest. The zero value is empty
// and ready to use.
type FileSet struct {
	entries []Entry
}

// Len returns the number of entries.
func (s *FileSet) Len() int {
	return len(s.entries)
}

// Lookup returns the source registered for dest.
func (s *FileSet) Lookup(dest string) (string, bool) {
	i, ok := s.search(dest)
	if !ok {
		return "", false
	}
	return s.entries[i].Source, true
}

// Entries iterates in lexicographic order of Dest.
func (s *FileSet) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Slice returns a copy of the entries in order.
func (s *FileSet) Slice() []Entry {
	return append([]Entry(nil), s.entries...)
}

// insert adds e unless its Dest is already present, and reports whether it
// did.
func (s *FileSet) insert(e Entry) bool {
	i, ok := s.search(e.Dest)
	if ok {
		return false
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return true
}

func (s *FileSet) search(dest string) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Dest >= dest })
	return i, i < len(s.entries) && s.entries[i].Dest == dest
}
