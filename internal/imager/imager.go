// Package imager runs the two build stages in sequence: the FAT volume is
// built into a temporary file, wrapped into the GPT disk image, and the
// temporary file is removed whatever happens.
package imager

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskimage"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/manifest"
)

// State is the stage a Pipeline is in.
type State int

const (
	Idle State = iota
	BuildingFAT
	AssemblingDisk
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BuildingFAT:
		return "building-fat"
	case AssemblingDisk:
		return "assembling-disk"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures both stages.
type Options struct {
	// Volume configures the FAT stage. Its Logger is replaced by Logger.
	Volume diskmanager.Builder
	// Disk configures the GPT stage. Its Logger is replaced by Logger.
	Disk diskimage.Options
	// TempDir holds the intermediate volume; empty means os.TempDir.
	TempDir string
	Logger  logrus.FieldLogger
}

// Result describes a finished image.
type Result struct {
	Volume *diskmanager.Volume
	Layout *diskimage.Layout
}

// Pipeline builds one disk image at a time. It is not safe for concurrent
// use.
type Pipeline struct {
	opts  Options
	log   logrus.FieldLogger
	state State
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts.Volume.Logger = log
	opts.Disk.Logger = log
	return &Pipeline{opts: opts, log: log}
}

// State reports the stage the last Run reached.
func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) enter(s State) {
	p.log.WithFields(logrus.Fields{"from": p.state, "to": s}).Debug("Pipeline state")
	p.state = s
}

// Run builds the volume for files, assembles the disk image at output and
// removes the intermediate volume. It succeeds only if both stages do; after
// a failure output may exist but is not a valid image.
func (p *Pipeline) Run(files *manifest.FileSet, output string) (res *Result, err error) {
	p.enter(BuildingFAT)
	defer func() {
		if err != nil {
			p.enter(Failed)
			res = nil
			return
		}
		p.enter(Done)
	}()

	tmp, err := os.CreateTemp(p.opts.TempDir, "uefi-imager-*.fat")
	if err != nil {
		return nil, &diskmanager.BuildError{Op: "create temporary volume", Err: err}
	}
	volumePath := tmp.Name()
	defer func() {
		if rerr := os.Remove(volumePath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierror.Append(err, fmt.Errorf("removing temporary volume %s: %w", volumePath, rerr))
		}
	}()
	if err := tmp.Close(); err != nil {
		return nil, &diskmanager.BuildError{Op: "create temporary volume", Path: volumePath, Err: err}
	}

	builder := p.opts.Volume
	vol, err := builder.Build(files, volumePath)
	if err != nil {
		return nil, err
	}

	p.enter(AssemblingDisk)
	layout, err := diskimage.Assemble(vol.Path, output, p.opts.Disk)
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"output": output,
		"files":  vol.Files,
		"type":   vol.Type,
	}).Info("Disk image ready")
	return &Result{Volume: vol, Layout: layout}, nil
}

// Build resolves m against fsys and runs a pipeline for it. Skipped
// duplicate registrations are returned alongside the result.
func Build(fsys afero.Fs, m *config.Manifest, opts Options) (*Result, []manifest.Skip, error) {
	if err := m.Validate(); err != nil {
		return nil, nil, &config.Error{Err: err}
	}
	minSize, err := m.Volume.MinSizeBytes()
	if err != nil {
		return nil, nil, &config.Error{Err: err}
	}
	diskGUID, partGUID, err := m.Disk.GUIDs()
	if err != nil {
		return nil, nil, &config.Error{Err: err}
	}

	files, skipped, err := manifest.Resolve(fsys, m, opts.Logger)
	if err != nil {
		return nil, nil, err
	}

	opts.Volume.Fs = fsys
	if m.Volume.Label != "" {
		opts.Volume.Label = m.Volume.Label
	}
	opts.Volume.MinSize = max(opts.Volume.MinSize, minSize)
	if m.Disk.PartitionName != "" {
		opts.Disk.PartitionName = m.Disk.PartitionName
	}
	if diskGUID != uuid.Nil {
		opts.Disk.DiskGUID = diskGUID
	}
	if partGUID != uuid.Nil {
		opts.Disk.PartitionGUID = partGUID
	}

	res, err := New(opts).Run(files, m.Output)
	return res, skipped, err
}
