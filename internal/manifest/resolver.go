package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jgarman/uefi-imager/internal/config"
)

var (
	ErrNotRegular = errors.New("not a regular file")
	ErrNotDir     = errors.New("not a directory")
	ErrBadDest    = errors.New("invalid destination")
)

// ResolutionError reports a mapping that cannot be turned into entries.
type ResolutionError struct {
	Source string
	Dest   string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s -> %s: %v", e.Source, e.Dest, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Skip records a registration that lost to an earlier one for the same
// destination.
type Skip struct {
	Dest   string
	Source string
	Kept   string
	// Kind is "file" or "folder", the mapping that produced the skip.
	Kind string
}

// Resolver accumulates mappings into a FileSet. The first registration of
// a destination wins; later ones are logged and recorded as skips.
type Resolver struct {
	fs      afero.Fs
	log     logrus.FieldLogger
	set     FileSet
	skipped []Skip
}

// NewResolver returns a Resolver reading from fs.
func NewResolver(fs afero.Fs, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{fs: fs, log: log}
}

// AddFile registers a single regular file.
func (r *Resolver) AddFile(source, dest string) error {
	info, err := r.fs.Stat(source)
	if err != nil {
		return &ResolutionError{Source: source, Dest: dest, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &ResolutionError{Source: source, Dest: dest, Err: ErrNotRegular}
	}
	clean, err := normalizeDest(dest)
	if err != nil {
		return &ResolutionError{Source: source, Dest: dest, Err: err}
	}
	r.add(Entry{Dest: clean, Source: source}, "file")
	return nil
}

// AddFolder registers every regular file below source, in lexical walk
// order, under prefix. Files matching one of the exclude patterns
// (doublestar syntax, relative to source) are left out; a pattern matching a
// directory excludes everything below it.
func (r *Resolver) AddFolder(source, prefix string, exclude ...string) error {
	info, err := r.fs.Stat(source)
	if err != nil {
		return &ResolutionError{Source: source, Dest: prefix, Err: err}
	}
	if !info.IsDir() {
		return &ResolutionError{Source: source, Dest: prefix, Err: ErrNotDir}
	}
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return &ResolutionError{Source: source, Dest: prefix, Err: fmt.Errorf("bad exclude pattern %q", pattern)}
		}
	}

	return afero.Walk(r.fs, source, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return &ResolutionError{Source: p, Dest: prefix, Err: err}
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return &ResolutionError{Source: p, Dest: prefix, Err: err}
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if excluded(rel, exclude) {
			r.log.WithField("path", p).Debug("Excluded from folder")
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		dest, err := normalizeDest(path.Join(prefix, rel))
		if err != nil {
			return &ResolutionError{Source: p, Dest: path.Join(prefix, rel), Err: err}
		}
		r.add(Entry{Dest: dest, Source: p}, "folder")
		return nil
	})
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (r *Resolver) add(e Entry, kind string) {
	if r.set.insert(e) {
		r.log.WithFields(logrus.Fields{"dest": e.Dest, "source": e.Source}).Debug("Registered")
		return
	}
	kept, _ := r.set.Lookup(e.Dest)
	r.log.WithFields(logrus.Fields{
		"dest":   e.Dest,
		"source": e.Source,
		"kept":   kept,
	}).Warn("Skipping duplicate destination")
	r.skipped = append(r.skipped, Skip{Dest: e.Dest, Source: e.Source, Kept: kept, Kind: kind})
}

// Skipped lists every registration that was dropped as a duplicate.
func (r *Resolver) Skipped() []Skip {
	return append([]Skip(nil), r.skipped...)
}

// FileSet returns the entries registered so far.
func (r *Resolver) FileSet() *FileSet {
	return &FileSet{entries: r.set.Slice()}
}

// normalizeDest turns a user supplied destination into a clean path
// relative to the volume root.
func normalizeDest(dest string) (string, error) {
	d := strings.ReplaceAll(dest, `\`, "/")
	d = strings.TrimLeft(d, "/")
	d = path.Clean(d)
	switch {
	case d == "." || d == "":
		return "", fmt.Errorf("%w: %q is empty", ErrBadDest, dest)
	case d == ".." || strings.HasPrefix(d, "../"):
		return "", fmt.Errorf("%w: %q escapes the volume root", ErrBadDest, dest)
	}
	return d, nil
}

// Resolve registers every mapping of m in order: manifest files, manifest
// folders, then the ad hoc files and folders.
func Resolve(fs afero.Fs, m *config.Manifest, log logrus.FieldLogger) (*FileSet, []Skip, error) {
	r := NewResolver(fs, log)
	for _, f := range m.Files {
		if err := r.AddFile(f.Source, f.Dest); err != nil {
			return nil, nil, err
		}
	}
	for _, f := range m.Folders {
		if err := r.AddFolder(f.Source, f.Dest, f.Exclude...); err != nil {
			return nil, nil, err
		}
	}
	for _, f := range m.ExtraFiles {
		if err := r.AddFile(f.Source, f.Dest); err != nil {
			return nil, nil, err
		}
	}
	for _, f := range m.ExtraFolders {
		if err := r.AddFolder(f.Source, f.Dest, f.Exclude...); err != nil {
			return nil, nil, err
		}
	}
	return r.FileSet(), r.Skipped(), nil
}
