package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Error reports an unreadable or invalid manifest.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUnknownFormat = errors.New("unknown manifest format")
	ErrNoOutput      = errors.New("no output path")
	ErrBadMapping    = errors.New("invalid mapping")
)

// Manifest describes one disk image: where to write it and what goes in its
// EFI System Partition.
type Manifest struct {
	// Output is the disk image path.
	Output string `toml:"output" yaml:"output" json:"output"`

	// Files are copied to their destination path.
	Files []FileMapping `toml:"files,omitempty" yaml:"files,omitempty" json:"files,omitempty"`

	// Folders are flattened recursively under their destination prefix.
	Folders []FolderMapping `toml:"folders,omitempty" yaml:"folders,omitempty" json:"folders,omitempty"`

	Volume VolumeConfig `toml:"volume" yaml:"volume" json:"volume"`
	Disk   DiskConfig   `toml:"disk" yaml:"disk" json:"disk"`

	// Ad hoc entries from the command line, registered after the
	// manifest's own. Never serialized.
	ExtraFiles   []FileMapping   `toml:"-" yaml:"-" json:"-"`
	ExtraFolders []FolderMapping `toml:"-" yaml:"-" json:"-"`
}

// FileMapping copies one file.
type FileMapping struct {
	Source string `toml:"source" yaml:"source" json:"source"`
	Dest   string `toml:"dest" yaml:"dest" json:"dest"`
}

// FolderMapping copies every regular file below Source. Exclude holds
// doublestar patterns matched against slash-separated paths relative to
// Source.
type FolderMapping struct {
	Source  string   `toml:"source" yaml:"source" json:"source"`
	Dest    string   `toml:"dest" yaml:"dest" json:"dest"`
	Exclude []string `toml:"exclude,omitempty" yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// VolumeConfig tunes the FAT volume.
type VolumeConfig struct {
	// Label is the FAT volume label, at most 11 characters.
	Label string `toml:"label,omitempty" yaml:"label,omitempty" json:"label,omitempty"`
	// MinSize is a lower bound for the volume size, e.g. "64MiB".
	MinSize string `toml:"min_size,omitempty" yaml:"min_size,omitempty" json:"min_size,omitempty"`
}

// MinSizeBytes parses MinSize. An empty MinSize is zero.
func (v VolumeConfig) MinSizeBytes() (int64, error) {
	if v.MinSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v.MinSize)
	if err != nil {
		return 0, fmt.Errorf("volume.min_size: %w", err)
	}
	return n, nil
}

// DiskConfig sets the identity of the GPT disk and its partition.
type DiskConfig struct {
	PartitionName string `toml:"partition_name,omitempty" yaml:"partition_name,omitempty" json:"partition_name,omitempty"`
	DiskGUID      string `toml:"disk_guid,omitempty" yaml:"disk_guid,omitempty" json:"disk_guid,omitempty"`
	PartitionGUID string `toml:"partition_guid,omitempty" yaml:"partition_guid,omitempty" json:"partition_guid,omitempty"`
}

// GUIDs parses the configured GUIDs; unset ones are uuid.Nil.
func (d DiskConfig) GUIDs() (disk, part uuid.UUID, err error) {
	if d.DiskGUID != "" {
		if disk, err = uuid.Parse(d.DiskGUID); err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("disk.disk_guid: %w", err)
		}
	}
	if d.PartitionGUID != "" {
		if part, err = uuid.Parse(d.PartitionGUID); err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("disk.partition_guid: %w", err)
		}
	}
	return disk, part, nil
}

// Default returns an empty manifest with the default partition name.
func Default() *Manifest {
	return &Manifest{
		Disk: DiskConfig{
			PartitionName: "boot",
		},
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
	formatJSON
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return 0, fmt.Errorf("%w %q (want .toml, .yaml, .yml or .json)", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Load reads a manifest with Decode and validates it.
func Load(path string) (*Manifest, error) {
	m, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return m, nil
}

// Decode reads a manifest, choosing the decoder from the file extension.
// Unknown keys are rejected. Relative sources are resolved against the
// manifest's directory; the output path is left as written. The result is
// not validated, so callers can fill in what the file leaves out.
func Decode(path string) (*Manifest, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	m := Default()
	switch f {
	case formatTOML:
		md, err := toml.Decode(string(data), m)
		if err != nil {
			return nil, &Error{Path: path, Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &Error{Path: path, Err: fmt.Errorf("unknown keys %v", undecoded)}
		}
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(m); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
	case formatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(m); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
	}

	m.resolveSources(filepath.Dir(path))
	return m, nil
}

func (m *Manifest) resolveSources(dir string) {
	for i := range m.Files {
		m.Files[i].Source = resolve(dir, m.Files[i].Source)
	}
	for i := range m.Folders {
		m.Folders[i].Source = resolve(dir, m.Folders[i].Source)
	}
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks the manifest for missing fields. It does not touch the
// filesystem.
func (m *Manifest) Validate() error {
	if m.Output == "" {
		return ErrNoOutput
	}
	for i, f := range m.AllFiles() {
		if f.Source == "" || f.Dest == "" {
			return fmt.Errorf("%w: file %d needs both source and dest", ErrBadMapping, i+1)
		}
	}
	for i, f := range m.AllFolders() {
		if f.Source == "" {
			return fmt.Errorf("%w: folder %d needs a source", ErrBadMapping, i+1)
		}
	}
	if len(m.Volume.Label) > 11 {
		return fmt.Errorf("volume.label %q is longer than 11 characters", m.Volume.Label)
	}
	if _, err := m.Volume.MinSizeBytes(); err != nil {
		return err
	}
	if _, _, err := m.Disk.GUIDs(); err != nil {
		return err
	}
	return nil
}

// AllFiles returns the manifest's file mappings followed by the ad hoc ones.
func (m *Manifest) AllFiles() []FileMapping {
	return append(append([]FileMapping(nil), m.Files...), m.ExtraFiles...)
}

// AllFolders returns the manifest's folder mappings followed by the ad hoc
// ones.
func (m *Manifest) AllFolders() []FolderMapping {
	return append(append([]FolderMapping(nil), m.Folders...), m.ExtraFolders...)
}

// Save writes the manifest in the format matching the path's extension.
func (m *Manifest) Save(path string) error {
	f, err := formatFor(path)
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Error{Path: path, Err: err}
	}

	var buf bytes.Buffer
	switch f {
	case formatTOML:
		err = toml.NewEncoder(&buf).Encode(m)
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(m)
		if err == nil {
			err = enc.Close()
		}
	case formatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(m)
	}
	if err != nil {
		return &Error{Path: path, Err: fmt.Errorf("encoding: %w", err)}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &Error{Path: path, Err: err}
	}
	return nil
}

// ParseMapping splits a command line "SRC:DEST" pair on its last colon, so
// sources containing colons still work as long as the destination has none.
// DEST may be empty, which for a folder means the volume root.
func ParseMapping(s string) (src, dest string, err error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return "", "", fmt.Errorf("%w %q: want SRC:DEST", ErrBadMapping, s)
	}
	return s[:i], s[i+1:], nil
}
