package diskmanager

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/jgarman/uefi-imager/internal/fat"
)

// FatSlack is added to the payload size to leave room for the boot sector,
// the allocation tables and directory growth.
const FatSlack = 96 * 1024

const maxPlanRounds = 64

// sizedFile is a destination with the size of its source.
type sizedFile struct {
	dest   string
	source string
	size   int64
}

// PlanCapacity returns the container size for the given files: the payload
// plus FatSlack, raised to minSize and to whatever the chosen layout needs
// once cluster rounding and directory clusters are accounted for. A FAT12/16
// layout gets a fixed root directory large enough for the root entries; when
// no fixed root can hold them the volume is sized for FAT32.
func PlanCapacity(files []sizedFile, minSize int64, label bool) (int64, fat.Layout, error) {
	var payload int64
	for _, f := range files {
		payload += f.size
	}
	capacity := max(payload+FatSlack, minSize)

	tree := directoryTree(files)
	rootEntries := fat.RoundRootEntries(uint32(rootSlots(tree, label)))
	if rootEntries > fat.MaxRootEntries {
		capacity = max(capacity, fat.MinFAT32Size)
		rootEntries = fat.DefaultRootEntries
	}
	capacity = roundUp(capacity, fat.SectorSize)

	for range maxPlanRounds {
		if capacity/fat.SectorSize > math.MaxUint32 {
			return 0, fat.Layout{}, fmt.Errorf("%w: %d bytes exceeds FAT limits", ErrTooLarge, capacity)
		}
		layout, err := fat.PlanRoot(uint32(capacity/fat.SectorSize), rootEntries)
		if errors.Is(err, fat.ErrTooSmall) {
			// the root directory alone outgrew the volume
			capacity += int64(rootEntries) * 32
			continue
		}
		if err != nil {
			return 0, fat.Layout{}, err
		}
		need := clustersNeeded(layout, files, tree, label)
		if need <= int64(layout.ClusterCount) {
			return capacity, layout, nil
		}
		capacity += (need - int64(layout.ClusterCount)) * layout.ClusterSize()
		capacity = roundUp(capacity, fat.SectorSize)
	}
	return 0, fat.Layout{}, fmt.Errorf("volume size did not converge after %d rounds", maxPlanRounds)
}

// rootSlots counts the directory records the root needs, volume label
// included.
func rootSlots(tree map[string][]string, label bool) int {
	n := 0
	for _, c := range tree[""] {
		n += fat.EntrySlots(c)
	}
	if label {
		n++
	}
	return n
}

// directoryTree maps every directory ("" is the root) to the names of its
// children.
func directoryTree(files []sizedFile) map[string][]string {
	tree := map[string][]string{"": nil}
	seen := make(map[string]bool)
	for _, f := range files {
		parts := strings.Split(f.dest, "/")
		for i := range parts {
			parent := path.Join(parts[:i]...)
			child := path.Join(parts[:i+1]...)
			key := strings.ToUpper(child)
			if seen[key] {
				continue
			}
			seen[key] = true
			tree[parent] = append(tree[parent], parts[i])
			if i < len(parts)-1 {
				if _, ok := tree[child]; !ok {
					tree[child] = nil
				}
			}
		}
	}
	return tree
}

func clustersNeeded(l fat.Layout, files []sizedFile, tree map[string][]string, label bool) int64 {
	cs := l.ClusterSize()
	var n int64
	for _, f := range files {
		n += ceilDiv(f.size, cs)
	}
	for dir, children := range tree {
		var slots int
		switch {
		case dir != "":
			// "." and ".."
			slots = 2
			for _, c := range children {
				slots += fat.EntrySlots(c)
			}
		case l.Type != fat.FAT32:
			// fixed root, outside the data area
			continue
		default:
			slots = rootSlots(tree, label)
		}
		n += max(1, ceilDiv(int64(slots)*32, cs))
	}
	return n
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func roundUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}
