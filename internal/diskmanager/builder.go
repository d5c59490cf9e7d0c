// Package diskmanager builds the FAT volume that ends up in the EFI System
// Partition, and can expose a finished image to a USB host as a mass-storage
// gadget.
package diskmanager

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jgarman/uefi-imager/internal/fat"
	"github.com/jgarman/uefi-imager/internal/manifest"
)

var (
	ErrDiskNotInitialized = errors.New("disk not initialized")
	ErrPathExists         = errors.New("path already exists")
	ErrDiskFull           = errors.New("disk full")
	ErrTooLarge           = errors.New("volume too large")
	ErrNotRegular         = errors.New("source is not a regular file")
)

// BuildError is a failure while sizing, formatting or populating a volume.
type BuildError struct {
	Op   string
	Path string
	Err  error
}

func (e *BuildError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("fat volume: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fat volume: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Volume describes a populated FAT volume image.
type Volume struct {
	Path string
	// Size is the byte size of the image, the FAT file system spans all of it.
	Size        int64
	Type        fat.Type
	ClusterSize int64
	Files       int
	Directories int
	// Payload is the sum of the file sizes written.
	Payload int64
}

// Builder sizes, formats and populates FAT volume images.
type Builder struct {
	// Fs is where sources are read from. Nil means the OS file system.
	Fs afero.Fs
	// Writer selects how files get into the formatted volume.
	Writer WriterKind
	// Label is the volume label, empty for NO NAME.
	Label string
	// MinSize is a lower bound for the image size.
	MinSize int64
	// ModTime stamps the entries written by the native writer. Zero means
	// the time of the build.
	ModTime time.Time
	Logger  logrus.FieldLogger
}

func (b *Builder) fs() afero.Fs {
	if b.Fs == nil {
		return afero.NewOsFs()
	}
	return b.Fs
}

func (b *Builder) log() logrus.FieldLogger {
	if b.Logger == nil {
		return logrus.StandardLogger()
	}
	return b.Logger
}

// Build creates the volume image at volumePath and copies every entry of
// files into it. volumePath is created or truncated. On error the image is
// left in an unspecified state and must not be used.
func (b *Builder) Build(files *manifest.FileSet, volumePath string) (*Volume, error) {
	log := b.log().WithField("volume", volumePath)

	sized, err := b.statSources(files)
	if err != nil {
		return nil, err
	}
	capacity, layout, err := PlanCapacity(sized, b.MinSize, b.Label != "")
	if err != nil {
		return nil, &BuildError{Op: "size", Path: volumePath, Err: err}
	}
	log.WithFields(logrus.Fields{
		"size":    units.BytesSize(float64(capacity)),
		"type":    layout.Type,
		"cluster": units.BytesSize(float64(layout.ClusterSize())),
		"files":   len(sized),
	}).Info("Formatting FAT volume")

	f, err := os.OpenFile(volumePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &BuildError{Op: "create", Path: volumePath, Err: err}
	}
	defer f.Close()
	if err := f.Truncate(capacity); err != nil {
		return nil, &BuildError{Op: "allocate", Path: volumePath, Err: err}
	}

	v, err := fat.Format(f, capacity, fat.FormatOptions{
		Label:       b.Label,
		ModTime:     b.ModTime,
		RootEntries: layout.RootEntries,
	})
	if err != nil {
		return nil, &BuildError{Op: "format", Path: volumePath, Err: err}
	}

	w, err := NewFilesystemWriter(b.Writer, volumePath, v)
	if err != nil {
		return nil, &BuildError{Op: "open", Path: volumePath, Err: err}
	}
	if err := w.Begin(); err != nil {
		return nil, &BuildError{Op: "open", Path: volumePath, Err: err}
	}
	if r, ok := w.(shortNameReserver); ok {
		for dir, children := range directoryTree(sized) {
			r.ReserveShortNames(dir, children)
		}
	}

	result := &Volume{
		Path:        volumePath,
		Size:        capacity,
		Type:        layout.Type,
		ClusterSize: layout.ClusterSize(),
	}
	if err := b.populate(w, sized, result, log); err != nil {
		if endErr := w.End(); endErr != nil {
			err = multierror.Append(err, &BuildError{Op: "close", Path: volumePath, Err: endErr})
		}
		return nil, err
	}
	if err := w.End(); err != nil {
		return nil, &BuildError{Op: "close", Path: volumePath, Err: err}
	}
	if err := f.Sync(); err != nil {
		return nil, &BuildError{Op: "sync", Path: volumePath, Err: err}
	}

	log.WithFields(logrus.Fields{
		"files":       result.Files,
		"directories": result.Directories,
		"payload":     units.BytesSize(float64(result.Payload)),
	}).Info("FAT volume populated")
	return result, nil
}

func (b *Builder) statSources(files *manifest.FileSet) ([]sizedFile, error) {
	fsys := b.fs()
	out := make([]sizedFile, 0, files.Len())
	for e := range files.Entries() {
		info, err := fsys.Stat(e.Source)
		if err != nil {
			return nil, &BuildError{Op: "stat", Path: e.Source, Err: err}
		}
		if !info.Mode().IsRegular() {
			return nil, &BuildError{Op: "stat", Path: e.Source, Err: ErrNotRegular}
		}
		out = append(out, sizedFile{dest: e.Dest, source: e.Source, size: info.Size()})
	}
	return out, nil
}

// shortNameReserver is a writer that generates 8.3 aliases itself and can
// keep the exact 8.3 names of entries still to be written out of them.
type shortNameReserver interface {
	ReserveShortNames(dir string, names []string)
}

// populate writes every file in order, creating each missing ancestor
// directory exactly once.
func (b *Builder) populate(w FilesystemWriter, files []sizedFile, result *Volume, log logrus.FieldLogger) error {
	dirs := make(map[string]bool)
	written := make(map[string]bool)
	for _, f := range files {
		if err := b.ensureParents(w, f.dest, dirs, result); err != nil {
			return err
		}

		key := strings.ToUpper(f.dest)
		kind, err := w.Lookup(f.dest)
		if err != nil {
			return &BuildError{Op: "lookup", Path: f.dest, Err: err}
		}
		switch {
		case kind == EntryDir:
			return &BuildError{Op: "create", Path: f.dest, Err: fmt.Errorf("%w: %s is a directory", ErrPathExists, f.dest)}
		case kind == EntryFile && !written[key]:
			// Only the short alias of another entry matches.
			return &BuildError{Op: "create", Path: f.dest, Err: fmt.Errorf("%w: %s matches the short name of another entry", ErrPathExists, f.dest)}
		case kind == EntryFile:
			log.WithField("dest", f.dest).Warn("Destination differs only in case from an earlier one, overwriting")
		}
		written[key] = true

		if err := b.copyFile(w, f); err != nil {
			return err
		}
		result.Files++
		result.Payload += f.size
		log.WithFields(logrus.Fields{"dest": f.dest, "size": f.size}).Debug("Wrote file")
	}
	return nil
}

func (b *Builder) ensureParents(w FilesystemWriter, dest string, dirs map[string]bool, result *Volume) error {
	dir := path.Dir(dest)
	if dir == "." {
		return nil
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		p := path.Join(parts[:i+1]...)
		key := strings.ToUpper(p)
		if dirs[key] {
			continue
		}
		kind, err := w.Lookup(p)
		if err != nil {
			return &BuildError{Op: "lookup", Path: p, Err: err}
		}
		switch kind {
		case EntryFile:
			return &BuildError{Op: "mkdir", Path: p, Err: fmt.Errorf("%w: %s is a file", ErrPathExists, p)}
		case EntryDir:
			// Directories are only ever created here, so this one is
			// reached through another entry's short alias.
			return &BuildError{Op: "mkdir", Path: p, Err: fmt.Errorf("%w: %s matches the short name of another entry", ErrPathExists, p)}
		case EntryNone:
			if err := w.Mkdir(p); err != nil {
				return &BuildError{Op: "mkdir", Path: p, Err: err}
			}
			result.Directories++
		}
		dirs[key] = true
	}
	return nil
}

func (b *Builder) copyFile(w FilesystemWriter, f sizedFile) error {
	src, err := b.fs().Open(f.source)
	if err != nil {
		return &BuildError{Op: "read", Path: f.source, Err: err}
	}
	defer src.Close()

	if err := w.WriteFile(f.dest, src, f.size); err != nil {
		return &BuildError{Op: "write", Path: f.dest, Err: err}
	}
	return nil
}
