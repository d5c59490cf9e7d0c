package fat

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

// dirRef identifies a directory: either the fixed FAT12/16 root region or
// a cluster chain.
type dirRef struct {
	cluster uint32
	fixed   bool
}

// slot is one decoded directory record: the short entry plus the long name
// in front of it, if any.
type slot struct {
	name  string
	entry DirEntry
	first int
	index int
}

func (v *Volume) rootRef() dirRef {
	if v.layout.Type == FAT32 {
		return dirRef{cluster: v.boot.RootCluster}
	}
	return dirRef{fixed: true}
}

func (v *Volume) isRoot(d dirRef) bool {
	return d == v.rootRef()
}

// dirFor maps a first-cluster value from a directory entry to a dirRef;
// zero is how ".." refers to the root.
func (v *Volume) dirFor(cluster uint32) dirRef {
	if cluster == 0 {
		return v.rootRef()
	}
	return dirRef{cluster: cluster}
}

// spans returns the byte offsets of the regions making up a directory and
// the size of each region.
func (v *Volume) spans(d dirRef) ([]int64, int64, error) {
	if d.fixed {
		return []int64{int64(v.layout.RootDirSector()) * SectorSize}, int64(v.layout.RootDirSectors) * SectorSize, nil
	}
	clusters, err := v.fat.chain(d.cluster)
	if err != nil {
		return nil, 0, err
	}
	offs := make([]int64, len(clusters))
	for i, c := range clusters {
		offs[i] = v.layout.ClusterOffset(c)
	}
	return offs, v.layout.ClusterSize(), nil
}

func (v *Volume) readDirBytes(d dirRef) ([]byte, error) {
	offs, span, err := v.spans(d)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int64(len(offs))*span)
	for i, off := range offs {
		if _, err := v.dev.ReadAt(buf[int64(i)*span:int64(i+1)*span], off); err != nil {
			return nil, fmt.Errorf("reading directory: %w", err)
		}
	}
	return buf, nil
}

// writeSlots stores consecutive 32 byte records starting at slot index idx.
func (v *Volume) writeSlots(d dirRef, idx int, records [][]byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	offs, span, err := v.spans(d)
	if err != nil {
		return err
	}
	for i, rec := range records {
		pos := int64(idx+i) * dirEntrySize
		region := pos / span
		if region >= int64(len(offs)) {
			return errCorrupt("directory slot %d out of range", idx+i)
		}
		if _, err := v.dev.WriteAt(rec, offs[region]+pos%span); err != nil {
			return fmt.Errorf("writing directory entry: %w", err)
		}
	}
	return nil
}

// parseDir decodes the live records of a directory. Orphaned long-name
// slots are ignored, as are the volume label and the dot entries.
func parseDir(buf []byte) []slot {
	var (
		out    []slot
		units  []uint16
		start  = -1
		expect int
		sum    uint8
	)
	reset := func() { units, start, expect = nil, -1, 0 }

	for i := 0; (i+1)*dirEntrySize <= len(buf); i++ {
		rec := buf[i*dirEntrySize : (i+1)*dirEntrySize]
		switch {
		case rec[0] == slotEnd:
			return out
		case rec[0] == slotFree:
			reset()
			continue
		case rec[11]&0x3F == attrLongName:
			ord := int(rec[0] & 0x1F)
			if rec[0]&lfnLast != 0 {
				units = make([]uint16, ord*lfnChars)
				start, expect, sum = i, ord, rec[13]
			}
			if start < 0 || ord != expect || ord == 0 || rec[13] != sum {
				reset()
				continue
			}
			copy(units[(ord-1)*lfnChars:], longNameChars(rec))
			expect--
			continue
		}

		var e DirEntry
		_ = e.UnmarshalBinary(rec)
		if e.Attr&AttrVolumeID != 0 {
			reset()
			continue
		}
		s := slot{name: e.DisplayName(), entry: e, first: i, index: i}
		if s.name == "." || s.name == ".." {
			reset()
			continue
		}
		if start >= 0 && expect == 0 && e.Checksum() == sum {
			s.name = decodeLongName(units)
			s.first = start
		}
		out = append(out, s)
		reset()
	}
	return out
}

func (v *Volume) list(d dirRef) ([]slot, error) {
	buf, err := v.readDirBytes(d)
	if err != nil {
		return nil, err
	}
	return parseDir(buf), nil
}

// find looks a name up case-insensitively, by long name or by short alias.
func (v *Volume) find(d dirRef, name string) (*slot, error) {
	slots, err := v.list(d)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		if strings.EqualFold(slots[i].name, name) || strings.EqualFold(slots[i].entry.DisplayName(), name) {
			return &slots[i], nil
		}
	}
	return nil, fs.ErrNotExist
}

// add stores a new entry under name and returns the slot index of its short
// record. The directory grows by one cluster when it has no room left. key
// names the directory for short name reservations.
func (v *Volume) add(d dirRef, key, name string, e DirEntry) (int, error) {
	if v.readOnly {
		return 0, ErrReadOnly
	}
	if err := validateName(name); err != nil {
		return 0, err
	}
	buf, err := v.readDirBytes(d)
	if err != nil {
		return 0, err
	}
	existing := parseDir(buf)
	for _, s := range existing {
		if strings.EqualFold(s.name, name) || strings.EqualFold(s.entry.DisplayName(), name) {
			return 0, fs.ErrExist
		}
	}

	var records [][]byte
	if short, flags, ok := exactShortName(name); ok {
		e.Name, e.CaseFlags = short, flags
	} else {
		taken := make(map[[11]byte]bool, len(existing))
		for _, s := range existing {
			taken[s.entry.Name] = true
		}
		reserved := v.reserved[key]
		alias, err := generateShortName(name, func(n [11]byte) bool { return taken[n] || reserved[n] })
		if err != nil {
			return 0, err
		}
		e.Name, e.CaseFlags = alias, 0
		records = longNameSlots(name, shortNameChecksum(alias))
	}
	records = append(records, mustMarshal(&e))

	for {
		if idx, ok := freeRun(buf, len(records)); ok {
			if err := v.writeSlots(d, idx, records); err != nil {
				return 0, err
			}
			return idx + len(records) - 1, nil
		}
		if d.fixed {
			return 0, ErrRootFull
		}
		if err := v.growDir(d); err != nil {
			return 0, err
		}
		if buf, err = v.readDirBytes(d); err != nil {
			return 0, err
		}
	}
}

// freeRun finds n consecutive unused slots.
func freeRun(buf []byte, n int) (int, bool) {
	run := 0
	for i := 0; (i+1)*dirEntrySize <= len(buf); i++ {
		b := buf[i*dirEntrySize]
		if b == slotEnd || b == slotFree {
			run++
			if run == n {
				return i - n + 1, true
			}
			continue
		}
		run = 0
	}
	return 0, false
}

func (v *Volume) growDir(d dirRef) error {
	clusters, err := v.fat.chain(d.cluster)
	if err != nil {
		return err
	}
	c, err := v.fat.allocate(clusters[len(clusters)-1])
	if err != nil {
		return err
	}
	return v.zeroCluster(c)
}

func (v *Volume) updateEntry(d dirRef, idx int, e *DirEntry) error {
	return v.writeSlots(d, idx, [][]byte{mustMarshal(e)})
}

// ReserveShortNames keeps the 8.3 names among names out of the aliases
// generated for long names later created in dir. Names that are not valid
// 8.3 names are ignored.
func (v *Volume) ReserveShortNames(dir string, names []string) {
	key := dirKey(splitPath(dir))
	for _, name := range names {
		short, _, ok := exactShortName(name)
		if !ok {
			continue
		}
		if v.reserved == nil {
			v.reserved = make(map[string]map[[11]byte]bool)
		}
		if v.reserved[key] == nil {
			v.reserved[key] = make(map[[11]byte]bool)
		}
		v.reserved[key][short] = true
	}
}

func dirKey(parts []string) string {
	return strings.ToUpper(strings.Join(parts, "/"))
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// walk resolves a directory path.
func (v *Volume) walk(parts []string) (dirRef, error) {
	d := v.rootRef()
	for _, part := range parts {
		s, err := v.find(d, part)
		if err != nil {
			return dirRef{}, err
		}
		if !s.entry.IsDir() {
			return dirRef{}, ErrNotDir
		}
		d = v.dirFor(s.entry.FirstCluster)
	}
	return d, nil
}

// resolve returns the parent directory of p and the slot of p itself.
func (v *Volume) resolve(p string) (dirRef, *slot, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return dirRef{}, nil, nil
	}
	parent, err := v.walk(parts[:len(parts)-1])
	if err != nil {
		return dirRef{}, nil, err
	}
	s, err := v.find(parent, parts[len(parts)-1])
	if err != nil {
		return parent, nil, err
	}
	return parent, s, nil
}

// Stat describes the entry at p. The empty path and "/" are the root.
func (v *Volume) Stat(p string) (fs.FileInfo, error) {
	_, s, err := v.resolve(p)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: err}
	}
	if s == nil {
		return &FileInfo{name: "/", entry: DirEntry{Attr: AttrDirectory}}, nil
	}
	return &FileInfo{name: s.name, entry: s.entry}, nil
}

// Mkdir creates a single directory. Its parent must already exist.
func (v *Volume) Mkdir(p string) error {
	if v.readOnly {
		return &fs.PathError{Op: "mkdir", Path: p, Err: ErrReadOnly}
	}
	parts := splitPath(p)
	if len(parts) == 0 {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	parent, err := v.walk(parts[:len(parts)-1])
	if err != nil {
		return &fs.PathError{Op: "mkdir", Path: p, Err: err}
	}

	c, err := v.fat.allocate(0)
	if err != nil {
		return &fs.PathError{Op: "mkdir", Path: p, Err: err}
	}
	if err := v.zeroCluster(c); err != nil {
		return err
	}

	now := v.now()
	parentCluster := parent.cluster
	if v.isRoot(parent) {
		parentCluster = 0
	}
	dot := DirEntry{Attr: AttrDirectory, FirstCluster: c, Created: now, Modified: now, Accessed: now}
	copy(dot.Name[:], ".          ")
	dotdot := DirEntry{Attr: AttrDirectory, FirstCluster: parentCluster, Created: now, Modified: now, Accessed: now}
	copy(dotdot.Name[:], "..         ")
	if err := v.writeSlots(dirRef{cluster: c}, 0, [][]byte{mustMarshal(&dot), mustMarshal(&dotdot)}); err != nil {
		return err
	}

	entry := DirEntry{Attr: AttrDirectory, FirstCluster: c, Created: now, Modified: now, Accessed: now}
	if _, err := v.add(parent, dirKey(parts[:len(parts)-1]), parts[len(parts)-1], entry); err != nil {
		_ = v.fat.release(c)
		return &fs.PathError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

// MkdirAll creates p and any missing parents.
func (v *Volume) MkdirAll(p string) error {
	parts := splitPath(p)
	for i := range parts {
		sub := strings.Join(parts[:i+1], "/")
		info, err := v.Stat(sub)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return &fs.PathError{Op: "mkdir", Path: sub, Err: ErrNotDir}
		}
		if err := v.Mkdir(sub); err != nil {
			return err
		}
	}
	return nil
}

// ReadDir lists a directory in on-disk order.
func (v *Volume) ReadDir(p string) ([]fs.FileInfo, error) {
	d, err := v.walk(splitPath(p))
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: err}
	}
	slots, err := v.list(d)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: err}
	}
	out := make([]fs.FileInfo, len(slots))
	for i, s := range slots {
		out[i] = &FileInfo{name: s.name, entry: s.entry}
	}
	return out, nil
}

// Walk visits every entry below root depth first, directories before their
// contents. Paths passed to fn are slash separated and relative to the
// volume root.
func (v *Volume) Walk(root string, fn func(p string, info fs.FileInfo) error) error {
	entries, err := v.ReadDir(root)
	if err != nil {
		return err
	}
	for _, info := range entries {
		p := path.Join(strings.Trim(root, "/"), info.Name())
		if err := fn(p, info); err != nil {
			return err
		}
		if info.IsDir() {
			if err := v.Walk(p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// FileInfo describes an entry read from a directory.
type FileInfo struct {
	name  string
	entry DirEntry
}

func (fi *FileInfo) Name() string { return fi.name }

func (fi *FileInfo) Size() int64 { return int64(fi.entry.Size) }

func (fi *FileInfo) Mode() fs.FileMode {
	var mode fs.FileMode = 0o644
	if fi.entry.Attr&AttrReadOnly != 0 {
		mode = 0o444
	}
	if fi.entry.IsDir() {
		mode |= fs.ModeDir | 0o111
	}
	return mode
}

func (fi *FileInfo) ModTime() time.Time { return fi.entry.Modified }

func (fi *FileInfo) IsDir() bool { return fi.entry.IsDir() }

// Sys returns the underlying *DirEntry.
func (fi *FileInfo) Sys() any { return &fi.entry }
