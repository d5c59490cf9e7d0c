// Package partition encodes and decodes the partitioning structures of a
// GPT disk: the protective MBR at LBA 0, the GPT header and the partition
// entry array. Everything here is a plain value with explicit field
// offsets; nothing touches the disk except Table.Write and the Read helpers.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// BlockSize is the logical block size of every image this package writes.
const BlockSize = 512

const (
	mbrDiskSignatureOffset = 440
	mbrPartitionOffset     = 446
	mbrPartitionSize       = 16
	mbrSignatureOffset     = 510

	// TypeGPTProtective marks the single MBR partition spanning a GPT disk.
	TypeGPTProtective = 0xEE
)

var (
	ErrBadSignature = errors.New("bad signature")
	ErrBadCRC       = errors.New("checksum mismatch")
	ErrNoSpace      = errors.New("partition does not fit on disk")
	ErrTooSmall     = errors.New("disk too small for a GPT")
	ErrNameTooLong  = errors.New("partition name too long")
)

// MBRPartition is one of the four classic partition records.
type MBRPartition struct {
	Status   uint8
	StartCHS [3]byte
	Type     uint8
	EndCHS   [3]byte
	StartLBA uint32
	Sectors  uint32
}

// ProtectiveMBR is the legacy master boot record of a GPT disk.
type ProtectiveMBR struct {
	DiskSignature uint32
	Partitions    [4]MBRPartition
}

// NewProtectiveMBR returns an MBR whose single 0xEE partition starts at LBA 1
// and covers the rest of a disk of totalBlocks blocks, clamped to the
// largest size a 32 bit field can express.
func NewProtectiveMBR(totalBlocks uint64) *ProtectiveMBR {
	sectors := uint64(0)
	if totalBlocks > 1 {
		sectors = totalBlocks - 1
	}
	if sectors > math.MaxUint32 {
		sectors = math.MaxUint32
	}
	return &ProtectiveMBR{
		Partitions: [4]MBRPartition{{
			StartCHS: [3]byte{0x00, 0x02, 0x00},
			Type:     TypeGPTProtective,
			EndCHS:   [3]byte{0xFF, 0xFF, 0xFF},
			StartLBA: 1,
			Sectors:  uint32(sectors),
		}},
	}
}

// IsProtective reports whether the first record is a GPT protective entry.
func (m *ProtectiveMBR) IsProtective() bool {
	return m.Partitions[0].Type == TypeGPTProtective && m.Partitions[0].StartLBA == 1
}

func (m *ProtectiveMBR) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[mbrDiskSignatureOffset:], m.DiskSignature)
	for i, p := range m.Partitions {
		b := buf[mbrPartitionOffset+i*mbrPartitionSize:]
		b[0] = p.Status
		copy(b[1:4], p.StartCHS[:])
		b[4] = p.Type
		copy(b[5:8], p.EndCHS[:])
		le.PutUint32(b[8:12], p.StartLBA)
		le.PutUint32(b[12:16], p.Sectors)
	}
	buf[mbrSignatureOffset] = 0x55
	buf[mbrSignatureOffset+1] = 0xAA
	return buf, nil
}

func (m *ProtectiveMBR) UnmarshalBinary(buf []byte) error {
	if len(buf) < BlockSize {
		return fmt.Errorf("MBR is %d bytes", len(buf))
	}
	if buf[mbrSignatureOffset] != 0x55 || buf[mbrSignatureOffset+1] != 0xAA {
		return fmt.Errorf("MBR: %w", ErrBadSignature)
	}
	le := binary.LittleEndian
	m.DiskSignature = le.Uint32(buf[mbrDiskSignatureOffset:])
	for i := range m.Partitions {
		b := buf[mbrPartitionOffset+i*mbrPartitionSize:]
		p := &m.Partitions[i]
		p.Status = b[0]
		copy(p.StartCHS[:], b[1:4])
		p.Type = b[4]
		copy(p.EndCHS[:], b[5:8])
		p.StartLBA = le.Uint32(b[8:12])
		p.Sectors = le.Uint32(b[12:16])
	}
	return nil
}
