package fat

import (
	"fmt"
	"io"
	"math"
	"time"
)

const (
	defaultOEMName = "MSWIN4.1"
	noLabel        = "NO NAME"

	fat32RootCluster  = 2
	fat32FSInfoSector = 1
	fat32BackupSector = 6

	zeroChunk = 64 * 1024
)

// FormatOptions controls the metadata written by Format.
type FormatOptions struct {
	// Label is the volume label, at most 11 characters. Empty means NO NAME.
	Label string
	// OEMName defaults to MSWIN4.1, which is what most firmware expects.
	OEMName string
	// VolumeID is the serial number; zero derives one from ModTime.
	VolumeID uint32
	// ModTime stamps every entry created through the volume. Zero means
	// the wall clock at the time of each write.
	ModTime time.Time
	// RootEntries sizes the fixed FAT12/16 root directory. Zero means
	// DefaultRootEntries.
	RootEntries uint32
}

// Volume is a mounted FAT file system. A Volume is not safe for concurrent
// use.
type Volume struct {
	dev      Device
	boot     BootSector
	layout   Layout
	fat      *table
	readOnly bool
	modTime  time.Time
	// reserved holds 8.3 names per upper-cased directory path that alias
	// generation must skip.
	reserved map[string]map[[11]byte]bool
}

// Format lays out a fresh FAT file system over the first size bytes of dev
// and returns it mounted. The variant is chosen from the size.
func Format(dev Device, size int64, opts FormatOptions) (*Volume, error) {
	if size/SectorSize > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes exceeds FAT limits", ErrFileTooLarge, size)
	}
	layout, err := PlanRoot(uint32(size/SectorSize), opts.RootEntries)
	if err != nil {
		return nil, err
	}

	if opts.OEMName == "" {
		opts.OEMName = defaultOEMName
	}
	label := opts.Label
	if label == "" {
		label = noLabel
	}
	if len(label) > 11 {
		return nil, fmt.Errorf("%w: label %q is longer than 11 characters", ErrInvalidName, label)
	}
	if opts.VolumeID == 0 {
		opts.VolumeID = volumeIDFor(opts.ModTime)
	}

	boot := BootSector{
		OEMName:           opts.OEMName,
		BytesPerSector:    SectorSize,
		SectorsPerCluster: uint8(layout.SectorsPerCluster),
		ReservedSectors:   uint16(layout.ReservedSectors),
		NumFATs:           uint8(layout.NumFATs),
		RootEntries:       uint16(layout.RootEntries),
		Media:             mediaFixedDisk,
		SectorsPerTrack:   63,
		NumHeads:          255,
		DriveNumber:       0x80,
		BootSignature:     extBootSignature,
		VolumeID:          opts.VolumeID,
		VolumeLabel:       label,
		FSTypeLabel:       layout.Type.String(),
	}
	if layout.Type == FAT32 {
		boot.SectorsPerFAT32 = layout.SectorsPerFAT
		boot.RootCluster = fat32RootCluster
		boot.FSInfoSector = fat32FSInfoSector
		boot.BackupBootSector = fat32BackupSector
		boot.TotalSectors32 = layout.TotalSectors
	} else {
		boot.SectorsPerFAT16 = uint16(layout.SectorsPerFAT)
		if layout.TotalSectors < 0x10000 {
			boot.TotalSectors16 = uint16(layout.TotalSectors)
		} else {
			boot.TotalSectors32 = layout.TotalSectors
		}
	}

	// Everything up to the first data cluster, plus the FAT32 root cluster.
	metaBytes := int64(layout.FirstDataSector()) * SectorSize
	if layout.Type == FAT32 {
		metaBytes += layout.ClusterSize()
	}
	if err := zeroRange(dev, 0, metaBytes); err != nil {
		return nil, err
	}

	bootBytes, err := boot.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := dev.WriteAt(bootBytes, 0); err != nil {
		return nil, fmt.Errorf("writing boot sector: %w", err)
	}
	if layout.Type == FAT32 {
		if _, err := dev.WriteAt(bootBytes, fat32BackupSector*SectorSize); err != nil {
			return nil, fmt.Errorf("writing backup boot sector: %w", err)
		}
	}

	v := &Volume{
		dev:     dev,
		boot:    boot,
		layout:  layout,
		fat:     newTable(layout.Type, layout.ClusterCount, mediaFixedDisk),
		modTime: opts.ModTime,
	}
	if layout.Type == FAT32 {
		if _, err := v.fat.allocate(0); err != nil {
			return nil, err
		}
	}
	if opts.Label != "" {
		entry := DirEntry{Attr: AttrVolumeID, Modified: v.now()}
		copy(entry.Name[:], padded(opts.Label, 11))
		if err := v.writeSlots(v.rootRef(), 0, [][]byte{mustMarshal(&entry)}); err != nil {
			return nil, err
		}
	}
	if err := v.Flush(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open mounts an existing volume for reading and writing.
func Open(dev Device) (*Volume, error) {
	return open(dev, false)
}

// OpenReadOnly mounts an existing volume; every mutating call fails with
// ErrReadOnly.
func OpenReadOnly(r io.ReaderAt) (*Volume, error) {
	return open(readOnlyDevice{r}, true)
}

func open(dev Device, readOnly bool) (*Volume, error) {
	buf := make([]byte, SectorSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}
	var boot BootSector
	if err := boot.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	layout, err := layoutFromBootSector(&boot)
	if err != nil {
		return nil, err
	}

	fatBuf := make([]byte, int64(layout.SectorsPerFAT)*SectorSize)
	if _, err := dev.ReadAt(fatBuf, int64(layout.FirstFATSector())*SectorSize); err != nil {
		return nil, fmt.Errorf("reading allocation table: %w", err)
	}

	v := &Volume{
		dev:      dev,
		boot:     boot,
		layout:   layout,
		fat:      decodeTable(layout.Type, layout.ClusterCount, boot.Media, fatBuf),
		readOnly: readOnly,
	}
	if layout.Type == FAT32 && !v.fat.valid(boot.RootCluster) {
		return nil, errCorrupt("root cluster %d out of range", boot.RootCluster)
	}
	return v, nil
}

// Type returns the FAT variant of the volume.
func (v *Volume) Type() Type { return v.layout.Type }

// Layout returns the on-disk geometry.
func (v *Volume) Layout() Layout { return v.layout }

// Label returns the volume label from the boot sector.
func (v *Volume) Label() string { return v.boot.VolumeLabel }

// VolumeID returns the volume serial number.
func (v *Volume) VolumeID() uint32 { return v.boot.VolumeID }

// FreeBytes is the space still available for file data.
func (v *Volume) FreeBytes() int64 {
	return int64(v.fat.freeCount()) * v.layout.ClusterSize()
}

// SetModTime fixes the timestamp given to entries written from now on.
func (v *Volume) SetModTime(t time.Time) { v.modTime = t }

// Flush writes every allocation table copy and, on FAT32, the FSInfo sectors.
func (v *Volume) Flush() error {
	if v.readOnly {
		return nil
	}
	buf := v.fat.encode(int(v.layout.SectorsPerFAT) * SectorSize)
	for i := uint32(0); i < v.layout.NumFATs; i++ {
		off := int64(v.layout.FirstFATSector()+i*v.layout.SectorsPerFAT) * SectorSize
		if _, err := v.dev.WriteAt(buf, off); err != nil {
			return fmt.Errorf("writing allocation table %d: %w", i, err)
		}
	}
	if v.layout.Type != FAT32 {
		return nil
	}

	info := FSInfo{FreeClusters: v.fat.freeCount(), NextFree: v.fat.nextFree}
	infoBytes := mustMarshal(&info)
	for _, sector := range []uint16{v.boot.FSInfoSector, v.boot.BackupBootSector + v.boot.FSInfoSector} {
		if sector == 0 {
			continue
		}
		if _, err := v.dev.WriteAt(infoBytes, int64(sector)*SectorSize); err != nil {
			return fmt.Errorf("writing FSInfo sector %d: %w", sector, err)
		}
	}
	return nil
}

// Close flushes the volume. The device itself is left open.
func (v *Volume) Close() error {
	return v.Flush()
}

func (v *Volume) now() time.Time {
	if !v.modTime.IsZero() {
		return v.modTime
	}
	return time.Now()
}

func (v *Volume) zeroCluster(c uint32) error {
	return zeroRange(v.dev, v.layout.ClusterOffset(c), v.layout.ClusterSize())
}

func zeroRange(dev io.WriterAt, off, n int64) error {
	zero := make([]byte, min(n, zeroChunk))
	for n > 0 {
		chunk := min(n, int64(len(zero)))
		if _, err := dev.WriteAt(zero[:chunk], off); err != nil {
			return fmt.Errorf("zeroing at offset %d: %w", off, err)
		}
		off += chunk
		n -= chunk
	}
	return nil
}

func volumeIDFor(t time.Time) uint32 {
	if t.IsZero() {
		t = time.Now()
	}
	date, clock := encodeTimestamp(t)
	return uint32(date)<<16 | uint32(clock) ^ uint32(t.Nanosecond())
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

// mustMarshal is for the fixed-size structures in this package, whose
// encoders only fail on programming errors.
func mustMarshal(m binaryMarshaler) []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("fat: encoding %T: %v", m, err))
	}
	return b
}
