package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	bootSignatureOffset = 510
	extBootSignature    = 0x29
	mediaFixedDisk      = 0xF8

	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
	fsInfoUnknown         = 0xFFFFFFFF
)

// haltLoop is `hlt; jmp $-1`, placed where the jump instruction lands so a
// BIOS that tries to boot the volume stops instead of executing garbage.
var haltLoop = []byte{0xF4, 0xEB, 0xFD}

// BootSector is the first sector of a FAT volume: the BIOS parameter block
// and the extended BPB. The FAT32-only fields are zero on FAT12/16 volumes.
type BootSector struct {
	OEMName           string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32

	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16

	DriveNumber   uint8
	BootSignature uint8
	VolumeID      uint32
	VolumeLabel   string
	FSTypeLabel   string
}

// IsFAT32 reports whether the sector uses the FAT32 extended BPB layout.
func (b *BootSector) IsFAT32() bool {
	return b.SectorsPerFAT16 == 0 && b.RootEntries == 0
}

// TotalSectors returns whichever of the 16 or 32 bit counts is in use.
func (b *BootSector) TotalSectors() uint32 {
	if b.TotalSectors16 != 0 {
		return uint32(b.TotalSectors16)
	}
	return b.TotalSectors32
}

// SectorsPerFAT returns whichever of the 16 or 32 bit FAT sizes is in use.
func (b *BootSector) SectorsPerFAT() uint32 {
	if b.SectorsPerFAT16 != 0 {
		return uint32(b.SectorsPerFAT16)
	}
	return b.SectorsPerFAT32
}

// MarshalBinary encodes the boot sector into one 512 byte sector.
func (b *BootSector) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SectorSize)
	le := binary.LittleEndian

	ext := 36
	if b.IsFAT32() {
		copy(buf[0:3], []byte{0xEB, 0x58, 0x90})
		ext = 64
	} else {
		copy(buf[0:3], []byte{0xEB, 0x3C, 0x90})
	}
	copy(buf[3:11], padded(b.OEMName, 8))
	le.PutUint16(buf[11:13], b.BytesPerSector)
	buf[13] = b.SectorsPerCluster
	le.PutUint16(buf[14:16], b.ReservedSectors)
	buf[16] = b.NumFATs
	le.PutUint16(buf[17:19], b.RootEntries)
	le.PutUint16(buf[19:21], b.TotalSectors16)
	buf[21] = b.Media
	le.PutUint16(buf[22:24], b.SectorsPerFAT16)
	le.PutUint16(buf[24:26], b.SectorsPerTrack)
	le.PutUint16(buf[26:28], b.NumHeads)
	le.PutUint32(buf[28:32], b.HiddenSectors)
	le.PutUint32(buf[32:36], b.TotalSectors32)

	if b.IsFAT32() {
		le.PutUint32(buf[36:40], b.SectorsPerFAT32)
		le.PutUint16(buf[40:42], b.ExtFlags)
		le.PutUint16(buf[42:44], b.FSVersion)
		le.PutUint32(buf[44:48], b.RootCluster)
		le.PutUint16(buf[48:50], b.FSInfoSector)
		le.PutUint16(buf[50:52], b.BackupBootSector)
	}

	buf[ext] = b.DriveNumber
	buf[ext+2] = b.BootSignature
	le.PutUint32(buf[ext+3:ext+7], b.VolumeID)
	copy(buf[ext+7:ext+18], padded(b.VolumeLabel, 11))
	copy(buf[ext+18:ext+26], padded(b.FSTypeLabel, 8))
	copy(buf[ext+26:], haltLoop)

	buf[bootSignatureOffset] = 0x55
	buf[bootSignatureOffset+1] = 0xAA
	return buf, nil
}

// UnmarshalBinary decodes and sanity checks a boot sector.
func (b *BootSector) UnmarshalBinary(buf []byte) error {
	if len(buf) < SectorSize {
		return fmt.Errorf("%w: boot sector is %d bytes", ErrInvalidVolume, len(buf))
	}
	if buf[bootSignatureOffset] != 0x55 || buf[bootSignatureOffset+1] != 0xAA {
		return fmt.Errorf("%w: missing boot sector signature", ErrInvalidVolume)
	}
	le := binary.LittleEndian

	*b = BootSector{
		OEMName:           trimPadded(buf[3:11]),
		BytesPerSector:    le.Uint16(buf[11:13]),
		SectorsPerCluster: buf[13],
		ReservedSectors:   le.Uint16(buf[14:16]),
		NumFATs:           buf[16],
		RootEntries:       le.Uint16(buf[17:19]),
		TotalSectors16:    le.Uint16(buf[19:21]),
		Media:             buf[21],
		SectorsPerFAT16:   le.Uint16(buf[22:24]),
		SectorsPerTrack:   le.Uint16(buf[24:26]),
		NumHeads:          le.Uint16(buf[26:28]),
		HiddenSectors:     le.Uint32(buf[28:32]),
		TotalSectors32:    le.Uint32(buf[32:36]),
	}

	ext := 36
	if b.IsFAT32() {
		b.SectorsPerFAT32 = le.Uint32(buf[36:40])
		b.ExtFlags = le.Uint16(buf[40:42])
		b.FSVersion = le.Uint16(buf[42:44])
		b.RootCluster = le.Uint32(buf[44:48])
		b.FSInfoSector = le.Uint16(buf[48:50])
		b.BackupBootSector = le.Uint16(buf[50:52])
		ext = 64
	}
	b.DriveNumber = buf[ext]
	b.BootSignature = buf[ext+2]
	if b.BootSignature == extBootSignature {
		b.VolumeID = le.Uint32(buf[ext+3 : ext+7])
		b.VolumeLabel = trimPadded(buf[ext+7 : ext+18])
		b.FSTypeLabel = trimPadded(buf[ext+18 : ext+26])
	}

	switch {
	case b.BytesPerSector != SectorSize:
		return fmt.Errorf("%w: unsupported sector size %d", ErrInvalidVolume, b.BytesPerSector)
	case b.SectorsPerCluster == 0 || b.SectorsPerCluster&(b.SectorsPerCluster-1) != 0:
		return fmt.Errorf("%w: sectors per cluster %d is not a power of two", ErrInvalidVolume, b.SectorsPerCluster)
	case b.ReservedSectors == 0:
		return fmt.Errorf("%w: no reserved sectors", ErrInvalidVolume)
	case b.NumFATs == 0:
		return fmt.Errorf("%w: no allocation tables", ErrInvalidVolume)
	case b.SectorsPerFAT() == 0:
		return fmt.Errorf("%w: allocation table size is zero", ErrInvalidVolume)
	case b.TotalSectors() == 0:
		return fmt.Errorf("%w: sector count is zero", ErrInvalidVolume)
	}
	return nil
}

// FSInfo is the FAT32 file system information sector.
type FSInfo struct {
	FreeClusters uint32
	NextFree     uint32
}

func (f *FSInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SectorSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], fsInfoLeadSignature)
	le.PutUint32(buf[484:488], fsInfoStructSignature)
	le.PutUint32(buf[488:492], f.FreeClusters)
	le.PutUint32(buf[492:496], f.NextFree)
	le.PutUint32(buf[508:512], fsInfoTrailSignature)
	return buf, nil
}

func (f *FSInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) < SectorSize {
		return fmt.Errorf("%w: FSInfo sector is %d bytes", ErrInvalidVolume, len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:4]) != fsInfoLeadSignature ||
		le.Uint32(buf[484:488]) != fsInfoStructSignature ||
		le.Uint32(buf[508:512]) != fsInfoTrailSignature {
		return fmt.Errorf("%w: bad FSInfo signature", ErrInvalidVolume)
	}
	f.FreeClusters = le.Uint32(buf[488:492])
	f.NextFree = le.Uint32(buf[492:496])
	return nil
}

func padded(s string, n int) []byte {
	b := []byte(strings.ToUpper(s))
	if len(b) > n {
		b = b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = ' '
	}
	return out
}

func trimPadded(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
