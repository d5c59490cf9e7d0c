package fat

import (
	"fmt"
)

const (
	dirEntrySize = 32

	fat12MaxClusters = 4084
	fat16MaxClusters = 65524
	fat32MaxClusters = 0x0FFFFFF5

	// Upper sector counts for FAT12 and FAT16 volumes, from the Microsoft
	// fatgen103 disk size tables.
	fat12MaxSectors = 8400
	fat16MaxSectors = 1048576

	// DefaultRootEntries is the size of the fixed FAT12/16 root directory
	// unless a larger one is requested.
	DefaultRootEntries = 512
	// MaxRootEntries is the largest root directory a BPB can describe in
	// whole sectors.
	MaxRootEntries = 0xFFF0

	// Boot sector, two one-sector FATs, the default root directory and a
	// single cluster.
	minSectors = 1 + 2 + DefaultRootEntries*dirEntrySize/SectorSize + 1
)

// MinFAT32Size is the smallest volume that is formatted as FAT32, which has
// no fixed root directory limit.
const MinFAT32Size = (fat16MaxSectors + 1) * SectorSize

// Layout is the geometry of a volume: where the reserved area, the
// allocation tables, the fixed root directory and the data area start.
type Layout struct {
	Type              Type
	TotalSectors      uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	SectorsPerFAT     uint32
	RootEntries       uint32
	RootDirSectors    uint32
	ClusterCount      uint32
}

// ClusterSize is the size of one allocation unit in bytes.
func (l Layout) ClusterSize() int64 {
	return int64(l.SectorsPerCluster) * SectorSize
}

// FirstFATSector is the sector of the first allocation table copy.
func (l Layout) FirstFATSector() uint32 {
	return l.ReservedSectors
}

// RootDirSector is the first sector of the fixed FAT12/16 root directory.
func (l Layout) RootDirSector() uint32 {
	return l.ReservedSectors + l.NumFATs*l.SectorsPerFAT
}

// FirstDataSector is the sector holding cluster 2.
func (l Layout) FirstDataSector() uint32 {
	return l.RootDirSector() + l.RootDirSectors
}

// ClusterOffset returns the byte offset of a data cluster.
func (l Layout) ClusterOffset(cluster uint32) int64 {
	return (int64(l.FirstDataSector()) + int64(cluster-2)*int64(l.SectorsPerCluster)) * SectorSize
}

// DataBytes is the capacity of the data area.
func (l Layout) DataBytes() int64 {
	return int64(l.ClusterCount) * l.ClusterSize()
}

// Plan chooses the FAT variant and geometry for a volume of totalSectors
// sectors. The variant follows the size thresholds of fatgen103;
// the cluster size starts at the recommended value for that size and is then
// moved until the resulting cluster count is legal for the variant.
func Plan(totalSectors uint32) (Layout, error) {
	return PlanRoot(totalSectors, DefaultRootEntries)
}

// PlanRoot is Plan with a fixed FAT12/16 root directory of at least
// rootEntries entries. The count is rounded up to fill whole sectors and is
// ignored for FAT32.
func PlanRoot(totalSectors, rootEntries uint32) (Layout, error) {
	if totalSectors < minSectors {
		return Layout{}, fmt.Errorf("%w: %d sectors", ErrTooSmall, totalSectors)
	}
	rootEntries = RoundRootEntries(rootEntries)
	if rootEntries > MaxRootEntries {
		return Layout{}, fmt.Errorf("%w: %d entries exceed the FAT12/16 limit of %d", ErrRootFull, rootEntries, MaxRootEntries)
	}

	t := typeForSectors(totalSectors)
	start := recommendedSectorsPerCluster(t, totalSectors)

	candidates := []uint32{}
	for spc := start; spc <= 128; spc *= 2 {
		candidates = append(candidates, spc)
	}
	for spc := start / 2; spc >= 1; spc /= 2 {
		candidates = append(candidates, spc)
	}

	for _, spc := range candidates {
		l, ok := layoutFor(t, totalSectors, spc, rootEntries)
		if !ok {
			continue
		}
		if l.ClusterCount >= minClusters(t) && l.ClusterCount <= maxClusters(t) {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("%w: no legal %s geometry for %d sectors", ErrTooSmall, t, totalSectors)
}

// RoundRootEntries returns the root directory size that holds at least n
// entries: never below DefaultRootEntries and a whole number of sectors.
func RoundRootEntries(n uint32) uint32 {
	const perSector = SectorSize / dirEntrySize
	if n < DefaultRootEntries {
		return DefaultRootEntries
	}
	return (n + perSector - 1) / perSector * perSector
}

func typeForSectors(totalSectors uint32) Type {
	switch {
	case totalSectors <= fat12MaxSectors:
		return FAT12
	case totalSectors <= fat16MaxSectors:
		return FAT16
	default:
		return FAT32
	}
}

func recommendedSectorsPerCluster(t Type, totalSectors uint32) uint32 {
	switch t {
	case FAT12:
		return 1
	case FAT16:
		switch {
		case totalSectors <= 32680:
			return 2
		case totalSectors <= 262144:
			return 4
		case totalSectors <= 524288:
			return 8
		default:
			return 16
		}
	default:
		switch {
		case totalSectors <= 16777216:
			return 8
		case totalSectors <= 33554432:
			return 16
		case totalSectors <= 67108864:
			return 32
		default:
			return 64
		}
	}
}

func minClusters(t Type) uint32 {
	switch t {
	case FAT16:
		return fat12MaxClusters + 1
	case FAT32:
		return fat16MaxClusters + 1
	default:
		return 1
	}
}

func maxClusters(t Type) uint32 {
	switch t {
	case FAT12:
		return fat12MaxClusters
	case FAT16:
		return fat16MaxClusters
	default:
		return fat32MaxClusters
	}
}

// layoutFor computes the smallest allocation table that covers every data
// cluster for a fixed variant and cluster size.
func layoutFor(t Type, totalSectors, spc, rootEntries uint32) (Layout, bool) {
	l := Layout{
		Type:              t,
		TotalSectors:      totalSectors,
		SectorsPerCluster: spc,
		NumFATs:           2,
		ReservedSectors:   1,
		RootEntries:       rootEntries,
	}
	if t == FAT32 {
		l.ReservedSectors = 32
		l.RootEntries = 0
	}
	l.RootDirSectors = (l.RootEntries*dirEntrySize + SectorSize - 1) / SectorSize

	fatSectors := uint32(1)
	for {
		meta := l.ReservedSectors + l.NumFATs*fatSectors + l.RootDirSectors
		if meta >= totalSectors {
			return Layout{}, false
		}
		clusters := (totalSectors - meta) / spc
		need := fatBytes(t, clusters+2)
		needSectors := uint32((need + SectorSize - 1) / SectorSize)
		if needSectors <= fatSectors {
			l.SectorsPerFAT = fatSectors
			l.ClusterCount = clusters
			break
		}
		fatSectors = needSectors
	}
	return l, l.ClusterCount > 0
}

// fatBytes is the encoded size of an allocation table with n entries.
func fatBytes(t Type, entries uint32) int64 {
	switch t {
	case FAT12:
		return (int64(entries)*3 + 1) / 2
	case FAT16:
		return int64(entries) * 2
	default:
		return int64(entries) * 4
	}
}

// layoutFromBootSector derives the geometry of an existing volume. A FAT32
// BPB always means FAT32; otherwise the cluster count decides between FAT12
// and FAT16.
func layoutFromBootSector(b *BootSector) (Layout, error) {
	l := Layout{
		TotalSectors:      b.TotalSectors(),
		SectorsPerCluster: uint32(b.SectorsPerCluster),
		ReservedSectors:   uint32(b.ReservedSectors),
		NumFATs:           uint32(b.NumFATs),
		SectorsPerFAT:     b.SectorsPerFAT(),
		RootEntries:       uint32(b.RootEntries),
	}
	l.RootDirSectors = (l.RootEntries*dirEntrySize + SectorSize - 1) / SectorSize
	meta := l.FirstDataSector()
	if meta >= l.TotalSectors {
		return Layout{}, fmt.Errorf("%w: metadata exceeds volume size", ErrInvalidVolume)
	}
	l.ClusterCount = (l.TotalSectors - meta) / l.SectorsPerCluster

	switch {
	case b.IsFAT32():
		l.Type = FAT32
	case l.ClusterCount <= fat12MaxClusters:
		l.Type = FAT12
	case l.ClusterCount <= fat16MaxClusters:
		l.Type = FAT16
	default:
		return Layout{}, fmt.Errorf("%w: %d clusters need a FAT32 BPB", ErrInvalidVolume, l.ClusterCount)
	}
	if int64(l.SectorsPerFAT)*SectorSize < fatBytes(l.Type, l.ClusterCount+2) {
		return Layout{}, fmt.Errorf("%w: allocation table too small for %d clusters", ErrInvalidVolume, l.ClusterCount)
	}
	return l, nil
}
