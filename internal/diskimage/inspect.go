package diskimage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/jgarman/uefi-imager/internal/fat"
	"github.com/jgarman/uefi-imager/internal/partition"
)

// Report is what Inspect found in an image.
type Report struct {
	Path       string            `json:"path"`
	Size       int64             `json:"size"`
	MBR        MBRReport         `json:"mbr"`
	Primary    *partition.Header `json:"primary_header"`
	Backup     *partition.Header `json:"backup_header"`
	Partitions []partition.Entry `json:"partitions"`
	Filesystem *FilesystemReport `json:"filesystem,omitempty"`
}

type MBRReport struct {
	Protective bool   `json:"protective"`
	Type       uint8  `json:"type"`
	StartLBA   uint32 `json:"start_lba"`
	Sectors    uint32 `json:"sectors"`
}

type FilesystemReport struct {
	Type     string       `json:"type"`
	Label    string       `json:"label"`
	VolumeID uint32       `json:"volume_id"`
	Free     int64        `json:"free"`
	Files    []FileReport `json:"files"`
}

type FileReport struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"dir"`
}

// Inspect validates the partitioning of an image: the protective MBR, both
// GPT headers and their checksums. The result is cross-checked against
// go-diskfs's reading of the same table. With listFiles set the FAT volume
// in the first partition is walked as well.
func Inspect(path string, listFiles bool) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%partition.BlockSize != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d", path, info.Size(), partition.BlockSize)
	}
	totalBlocks := uint64(info.Size() / partition.BlockSize)
	r := &Report{Path: path, Size: info.Size()}

	buf := make([]byte, partition.BlockSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading MBR: %w", err)
	}
	var mbr partition.ProtectiveMBR
	if err := mbr.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	p := mbr.Partitions[0]
	r.MBR = MBRReport{Protective: mbr.IsProtective(), Type: p.Type, StartLBA: p.StartLBA, Sectors: p.Sectors}
	if !r.MBR.Protective {
		return nil, fmt.Errorf("%s: MBR has no protective GPT entry", path)
	}

	table, err := partition.ReadTable(f, totalBlocks)
	if err != nil {
		return nil, err
	}
	if r.Primary, err = partition.ReadHeader(f, 1); err != nil {
		return nil, err
	}
	if r.Backup, err = partition.ReadHeader(f, totalBlocks-1); err != nil {
		return nil, err
	}
	r.Partitions = table.Entries

	if err := crossCheck(path, table); err != nil {
		return nil, err
	}

	if listFiles && len(table.Entries) > 0 {
		esp := table.Entries[0]
		section := io.NewSectionReader(f, esp.StartOffset(), int64(esp.Blocks())*partition.BlockSize)
		if r.Filesystem, err = inspectVolume(section); err != nil {
			return nil, fmt.Errorf("partition %q: %w", esp.Name, err)
		}
	}
	return r, nil
}

// crossCheck reads the partition table through go-diskfs and compares it
// with our own decoding.
func crossCheck(path string, table *partition.Table) error {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("go-diskfs: opening %s: %w", path, err)
	}
	defer d.Close()

	pt, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("go-diskfs: reading partition table: %w", err)
	}
	gt, ok := pt.(*gpt.Table)
	if !ok {
		return fmt.Errorf("go-diskfs: partition table is %s, not GPT", pt.Type())
	}

	var parts []*gpt.Partition
	for _, p := range gt.Partitions {
		if p != nil && p.Type != gpt.Unused {
			parts = append(parts, p)
		}
	}
	if len(parts) != len(table.Entries) {
		return fmt.Errorf("go-diskfs sees %d partitions, expected %d", len(parts), len(table.Entries))
	}
	for i, p := range parts {
		e := table.Entries[i]
		switch {
		case p.Start != e.FirstLBA || p.End != e.LastLBA:
			return fmt.Errorf("go-diskfs: partition %d spans LBA %d-%d, expected %d-%d", i+1, p.Start, p.End, e.FirstLBA, e.LastLBA)
		case !strings.EqualFold(string(p.Type), e.Type.String()):
			return fmt.Errorf("go-diskfs: partition %d has type %s, expected %s", i+1, p.Type, e.Type)
		case p.Name != e.Name:
			return fmt.Errorf("go-diskfs: partition %d is named %q, expected %q", i+1, p.Name, e.Name)
		}
	}
	return nil
}

func inspectVolume(r io.ReaderAt) (*FilesystemReport, error) {
	vol, err := fat.OpenReadOnly(r)
	if err != nil {
		return nil, err
	}
	rep := &FilesystemReport{
		Type:     vol.Type().String(),
		Label:    vol.Label(),
		VolumeID: vol.VolumeID(),
		Free:     vol.FreeBytes(),
	}
	err = vol.Walk("", func(p string, info fs.FileInfo) error {
		rep.Files = append(rep.Files, FileReport{Path: p, Size: info.Size(), IsDir: info.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
