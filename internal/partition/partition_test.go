package partition

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDisk is a fixed-size in-memory block device.
type memDisk []byte

func (m memDisk) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m).ReadAt(p, off)
}

func (m memDisk) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func TestProtectiveMBR(t *testing.T) {
	buf, err := NewProtectiveMBR(2048).MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, BlockSize)

	assert.Equal(t, []byte{0x55, 0xAA}, buf[510:512])
	rec := buf[446:462]
	assert.Equal(t, byte(0x00), rec[0])
	assert.Equal(t, []byte{0x00, 0x02, 0x00}, rec[1:4])
	assert.Equal(t, byte(0xEE), rec[4])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, rec[5:8])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(rec[8:12]))
	assert.Equal(t, uint32(2047), binary.LittleEndian.Uint32(rec[12:16]))
	assert.Equal(t, make([]byte, 48), buf[462:510], "other records must be empty")

	var back ProtectiveMBR
	require.NoError(t, back.UnmarshalBinary(buf))
	assert.True(t, back.IsProtective())
	assert.Equal(t, *NewProtectiveMBR(2048), back)
}

func TestProtectiveMBRClampsLargeDisks(t *testing.T) {
	m := NewProtectiveMBR(1 << 33)
	assert.Equal(t, uint32(math.MaxUint32), m.Partitions[0].Sectors)

	m = NewProtectiveMBR(math.MaxUint32 + 1)
	assert.Equal(t, uint32(math.MaxUint32), m.Partitions[0].Sectors)

	m = NewProtectiveMBR(math.MaxUint32)
	assert.Equal(t, uint32(math.MaxUint32-1), m.Partitions[0].Sectors)
}

func TestMBRRejectsMissingSignature(t *testing.T) {
	var m ProtectiveMBR
	assert.ErrorIs(t, m.UnmarshalBinary(make([]byte, BlockSize)), ErrBadSignature)
}

func TestGUIDMixedEndian(t *testing.T) {
	buf := make([]byte, 16)
	putGUID(buf, EFISystemPartition)
	// C12A7328-F81F-11D2-BA4B-00A0C93EC93B as it appears on disk.
	want := []byte{
		0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11,
		0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B,
	}
	assert.Equal(t, want, buf)
	assert.Equal(t, EFISystemPartition, getGUID(buf))
}

func TestEntryEncoding(t *testing.T) {
	e := Entry{
		Type:       EFISystemPartition,
		GUID:       uuid.MustParse("6a1f3c1e-42a3-4d1d-8f3b-0123456789ab"),
		FirstLBA:   34,
		LastLBA:    2081,
		Attributes: 1,
		Name:       "boot",
	}
	buf, err := e.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{'b', 0, 'o', 0, 'o', 0, 't', 0, 0, 0}, buf[56:66])

	var back Entry
	require.NoError(t, back.UnmarshalBinary(buf))
	if diff := cmp.Diff(e, back); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2048), back.Blocks())
	assert.Equal(t, int64(34*512), back.StartOffset())

	long := Entry{Type: EFISystemPartition, Name: "a name that is far too long for a GPT entry"}
	_, err = long.MarshalBinary()
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestTableAdd(t *testing.T) {
	tbl, err := NewTable(2048, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, uint64(34), tbl.FirstUsableLBA())
	assert.Equal(t, uint64(2014), tbl.LastUsableLBA())

	e, err := tbl.Add("boot", EFISystemPartition, uuid.New(), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(34), e.FirstLBA)
	assert.Equal(t, uint64(35), e.LastLBA)

	_, err = tbl.Add("big", EFISystemPartition, uuid.New(), 2048*BlockSize)
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = NewTable(40, uuid.New())
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestTableWriteAndRead(t *testing.T) {
	const blocks = 4096
	disk := make(memDisk, blocks*BlockSize)

	diskGUID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	partGUID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	tbl, err := NewTable(blocks, diskGUID)
	require.NoError(t, err)
	_, err = tbl.Add("boot", EFISystemPartition, partGUID, 1<<20)
	require.NoError(t, err)
	require.NoError(t, tbl.Write(disk))

	assert.Equal(t, []byte("EFI PART"), []byte(disk[BlockSize:BlockSize+8]))
	assert.Equal(t, []byte("EFI PART"), []byte(disk[(blocks-1)*BlockSize:(blocks-1)*BlockSize+8]))

	back, err := ReadTable(disk, blocks)
	require.NoError(t, err)
	if diff := cmp.Diff(tbl, back); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}

	primary, err := ReadHeader(disk, 1)
	require.NoError(t, err)
	backup, err := ReadHeader(disk, blocks-1)
	require.NoError(t, err)
	assert.Equal(t, uint64(blocks-1), primary.AlternateLBA)
	assert.Equal(t, uint64(1), backup.AlternateLBA)
	assert.Equal(t, uint64(2), primary.EntriesLBA)
	assert.Equal(t, uint64(blocks-33), backup.EntriesLBA)
	assert.Equal(t, uint64(34), primary.FirstUsableLBA)
	assert.Equal(t, uint64(blocks-34), primary.LastUsableLBA)

	entries, err := ReadEntries(disk, backup)
	require.NoError(t, err)
	assert.Equal(t, tbl.Entries, entries)
}

func TestReadTableDetectsCorruption(t *testing.T) {
	const blocks = 1024
	newDisk := func() memDisk {
		disk := make(memDisk, blocks*BlockSize)
		tbl, err := NewTable(blocks, uuid.New())
		require.NoError(t, err)
		_, err = tbl.Add("boot", EFISystemPartition, uuid.New(), 4096)
		require.NoError(t, err)
		require.NoError(t, tbl.Write(disk))
		return disk
	}

	disk := newDisk()
	disk[BlockSize+40] ^= 0xFF // first usable LBA
	_, err := ReadTable(disk, blocks)
	assert.ErrorIs(t, err, ErrBadCRC)

	disk = newDisk()
	disk[2*BlockSize+56] ^= 0xFF // partition name
	_, err = ReadTable(disk, blocks)
	assert.ErrorIs(t, err, ErrBadCRC)

	disk = newDisk()
	copy(disk[BlockSize:], "NOT GPT!")
	_, err = ReadTable(disk, blocks)
	assert.ErrorIs(t, err, ErrBadSignature)
}
