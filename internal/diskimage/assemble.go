// Package diskimage wraps a finished FAT volume in a GPT disk image with a
// protective MBR, and inspects images produced that way.
package diskimage

import (
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/uefi-imager/internal/partition"
)

// DiskSlack is the room added around the volume for the protective MBR,
// both GPT headers and both entry arrays.
const DiskSlack = 64 * 1024

// DefaultPartitionName is the GPT name given to the EFI System Partition.
const DefaultPartitionName = "boot"

// Options controls the identity of the assembled disk.
type Options struct {
	// PartitionName defaults to DefaultPartitionName.
	PartitionName string
	// DiskGUID and PartitionGUID are random when nil.
	DiskGUID      uuid.UUID
	PartitionGUID uuid.UUID
	Logger        logrus.FieldLogger
}

// Layout describes an assembled image.
type Layout struct {
	Path        string
	DiskSize    int64
	TotalBlocks uint64
	DiskGUID    uuid.UUID
	Partition   partition.Entry
	VolumeSize  int64
}

// AssembleError reports a failed step while writing a disk image.
type AssembleError struct {
	Op   string
	Path string
	Err  error
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("assembling disk image: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *AssembleError) Unwrap() error {
	return e.Err
}

// DiskSize is the image size for a volume of volumeSize bytes.
func DiskSize(volumeSize int64) int64 {
	return roundUp(volumeSize, partition.BlockSize) + DiskSlack
}

func roundUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}

// Assemble writes outPath: a protective MBR, a GPT with one EFI System
// Partition sized to the volume, and the volume's bytes copied verbatim to
// the partition's first block. On failure outPath may be left behind.
func Assemble(volumePath, outPath string, opts Options) (*Layout, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.PartitionName == "" {
		opts.PartitionName = DefaultPartitionName
	}
	if opts.DiskGUID == uuid.Nil {
		opts.DiskGUID = uuid.New()
	}
	if opts.PartitionGUID == uuid.Nil {
		opts.PartitionGUID = uuid.New()
	}

	vol, err := os.Open(volumePath)
	if err != nil {
		return nil, &AssembleError{Op: "open volume", Path: volumePath, Err: err}
	}
	defer vol.Close()
	info, err := vol.Stat()
	if err != nil {
		return nil, &AssembleError{Op: "stat volume", Path: volumePath, Err: err}
	}
	volumeSize := info.Size()

	diskSize := DiskSize(volumeSize)
	totalBlocks := uint64(diskSize / partition.BlockSize)
	log.WithFields(logrus.Fields{
		"output": outPath,
		"size":   units.BytesSize(float64(diskSize)),
		"blocks": totalBlocks,
	}).Info("Assembling disk image")

	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &AssembleError{Op: "create", Path: outPath, Err: err}
	}
	defer out.Close()
	if err := out.Truncate(diskSize); err != nil {
		return nil, &AssembleError{Op: "truncate", Path: outPath, Err: err}
	}

	mbr, err := partition.NewProtectiveMBR(totalBlocks).MarshalBinary()
	if err != nil {
		return nil, &AssembleError{Op: "encode MBR", Path: outPath, Err: err}
	}
	if _, err := out.WriteAt(mbr, 0); err != nil {
		return nil, &AssembleError{Op: "write MBR", Path: outPath, Err: err}
	}

	table, err := partition.NewTable(totalBlocks, opts.DiskGUID)
	if err != nil {
		return nil, &AssembleError{Op: "create GPT", Path: outPath, Err: err}
	}
	if _, err := table.Add(opts.PartitionName, partition.EFISystemPartition, opts.PartitionGUID, volumeSize); err != nil {
		return nil, &AssembleError{Op: "add partition", Path: outPath, Err: err}
	}
	if err := table.Write(out); err != nil {
		return nil, &AssembleError{Op: "write GPT", Path: outPath, Err: err}
	}

	// The copy offset comes from the table as written, not from the
	// in-memory plan.
	written, err := partition.ReadTable(out, totalBlocks)
	if err != nil {
		return nil, &AssembleError{Op: "read back GPT", Path: outPath, Err: err}
	}
	if len(written.Entries) != 1 {
		return nil, &AssembleError{Op: "read back GPT", Path: outPath, Err: fmt.Errorf("found %d partitions, want 1", len(written.Entries))}
	}
	esp := written.Entries[0]

	if _, err := out.Seek(esp.StartOffset(), io.SeekStart); err != nil {
		return nil, &AssembleError{Op: "seek", Path: outPath, Err: err}
	}
	if _, err := io.CopyN(out, vol, volumeSize); err != nil {
		return nil, &AssembleError{Op: "copy volume", Path: outPath, Err: err}
	}
	if err := out.Close(); err != nil {
		return nil, &AssembleError{Op: "close", Path: outPath, Err: err}
	}

	log.WithFields(logrus.Fields{
		"partition": esp.Name,
		"first_lba": esp.FirstLBA,
		"last_lba":  esp.LastLBA,
	}).Debug("Copied volume into partition")

	return &Layout{
		Path:        outPath,
		DiskSize:    diskSize,
		TotalBlocks: totalBlocks,
		DiskGUID:    written.DiskGUID,
		Partition:   esp,
		VolumeSize:  volumeSize,
	}, nil
}
