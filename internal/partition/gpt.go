package partition

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
)

const (
	// EntryCount and EntrySize describe the entry array this package writes:
	// the minimum of 16 KiB required by UEFI.
	EntryCount = 128
	EntrySize  = 128

	headerSize    = 92
	gptRevision   = 0x00010000
	nameUnits     = 36
	arrayBlocks   = EntryCount * EntrySize / BlockSize
	primaryLBA    = 1
	entriesLBA    = 2
	minDiskBlocks = 1 + 2*(1+arrayBlocks) + 1
)

var signature = []byte("EFI PART")

// EFISystemPartition is the partition type GUID UEFI firmware boots from.
var EFISystemPartition = uuid.MustParse(string(gpt.EFISystemPartition))

// Header is a GPT header, primary or backup.
type Header struct {
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC32    uint32
	MyLBA          uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC32   uint32
}

// MarshalBinary encodes the header into one block, filling in HeaderCRC32.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	copy(buf[0:8], signature)
	le.PutUint32(buf[8:12], h.Revision)
	le.PutUint32(buf[12:16], h.HeaderSize)
	le.PutUint64(buf[24:32], h.MyLBA)
	le.PutUint64(buf[32:40], h.AlternateLBA)
	le.PutUint64(buf[40:48], h.FirstUsableLBA)
	le.PutUint64(buf[48:56], h.LastUsableLBA)
	putGUID(buf[56:72], h.DiskGUID)
	le.PutUint64(buf[72:80], h.EntriesLBA)
	le.PutUint32(buf[80:84], h.NumEntries)
	le.PutUint32(buf[84:88], h.EntrySize)
	le.PutUint32(buf[88:92], h.EntriesCRC32)

	h.HeaderCRC32 = crc32.ChecksumIEEE(buf[:h.HeaderSize])
	le.PutUint32(buf[16:20], h.HeaderCRC32)
	return buf, nil
}

// UnmarshalBinary decodes a header and verifies its signature and CRC.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("GPT header is %d bytes", len(buf))
	}
	if !bytes.Equal(buf[0:8], signature) {
		return fmt.Errorf("GPT header: %w", ErrBadSignature)
	}
	le := binary.LittleEndian
	*h = Header{
		Revision:       le.Uint32(buf[8:12]),
		HeaderSize:     le.Uint32(buf[12:16]),
		HeaderCRC32:    le.Uint32(buf[16:20]),
		MyLBA:          le.Uint64(buf[24:32]),
		AlternateLBA:   le.Uint64(buf[32:40]),
		FirstUsableLBA: le.Uint64(buf[40:48]),
		LastUsableLBA:  le.Uint64(buf[48:56]),
		DiskGUID:       getGUID(buf[56:72]),
		EntriesLBA:     le.Uint64(buf[72:80]),
		NumEntries:     le.Uint32(buf[80:84]),
		EntrySize:      le.Uint32(buf[84:88]),
		EntriesCRC32:   le.Uint32(buf[88:92]),
	}
	if h.HeaderSize < headerSize || int(h.HeaderSize) > len(buf) {
		return fmt.Errorf("GPT header size %d out of range", h.HeaderSize)
	}

	check := make([]byte, h.HeaderSize)
	copy(check, buf[:h.HeaderSize])
	le.PutUint32(check[16:20], 0)
	if got := crc32.ChecksumIEEE(check); got != h.HeaderCRC32 {
		return fmt.Errorf("GPT header at LBA %d: %w (stored %#08x, computed %#08x)", h.MyLBA, ErrBadCRC, h.HeaderCRC32, got)
	}
	return nil
}

// Entry is one partition record of the entry array.
type Entry struct {
	Type       uuid.UUID
	GUID       uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// IsUsed reports whether the record describes a partition.
func (e *Entry) IsUsed() bool {
	return e.Type != uuid.Nil
}

// Blocks is the length of the partition in blocks.
func (e *Entry) Blocks() uint64 {
	return e.LastLBA - e.FirstLBA + 1
}

// StartOffset is the byte offset of the partition on the disk.
func (e *Entry) StartOffset() int64 {
	return int64(e.FirstLBA) * BlockSize
}

func (e *Entry) MarshalBinary() ([]byte, error) {
	units := utf16.Encode([]rune(e.Name))
	if len(units) > nameUnits {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, e.Name)
	}
	buf := make([]byte, EntrySize)
	le := binary.LittleEndian
	putGUID(buf[0:16], e.Type)
	putGUID(buf[16:32], e.GUID)
	le.PutUint64(buf[32:40], e.FirstLBA)
	le.PutUint64(buf[40:48], e.LastLBA)
	le.PutUint64(buf[48:56], e.Attributes)
	for i, u := range units {
		le.PutUint16(buf[56+2*i:], u)
	}
	return buf, nil
}

func (e *Entry) UnmarshalBinary(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("GPT entry is %d bytes", len(buf))
	}
	le := binary.LittleEndian
	units := make([]uint16, 0, nameUnits)
	for i := 0; i < nameUnits; i++ {
		u := le.Uint16(buf[56+2*i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	*e = Entry{
		Type:       getGUID(buf[0:16]),
		GUID:       getGUID(buf[16:32]),
		FirstLBA:   le.Uint64(buf[32:40]),
		LastLBA:    le.Uint64(buf[40:48]),
		Attributes: le.Uint64(buf[48:56]),
		Name:       string(utf16.Decode(units)),
	}
	return nil
}

// putGUID stores u in the mixed-endian layout GPT uses: the first three
// groups little endian, the last two as written.
func putGUID(dst []byte, u uuid.UUID) {
	dst[0], dst[1], dst[2], dst[3] = u[3], u[2], u[1], u[0]
	dst[4], dst[5] = u[5], u[4]
	dst[6], dst[7] = u[7], u[6]
	copy(dst[8:16], u[8:16])
}

func getGUID(src []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = src[3], src[2], src[1], src[0]
	u[4], u[5] = src[5], src[4]
	u[6], u[7] = src[7], src[6]
	copy(u[8:16], src[8:16])
	return u
}

// Table is a GPT for a disk of TotalBlocks blocks.
type Table struct {
	DiskGUID    uuid.UUID
	TotalBlocks uint64
	Entries     []Entry
}

// NewTable returns an empty table for a disk of totalBlocks blocks.
func NewTable(totalBlocks uint64, diskGUID uuid.UUID) (*Table, error) {
	if totalBlocks < minDiskBlocks {
		return nil, fmt.Errorf("%w: %d blocks, need at least %d", ErrTooSmall, totalBlocks, minDiskBlocks)
	}
	return &Table{DiskGUID: diskGUID, TotalBlocks: totalBlocks}, nil
}

// FirstUsableLBA is the first block after the primary header and entry array.
func (t *Table) FirstUsableLBA() uint64 {
	return entriesLBA + arrayBlocks
}

// LastUsableLBA is the last block before the backup entry array.
func (t *Table) LastUsableLBA() uint64 {
	return t.backupEntriesLBA() - 1
}

func (t *Table) backupEntriesLBA() uint64 {
	return t.TotalBlocks - 1 - arrayBlocks
}

// Add appends a partition of at least size bytes directly after the last
// one, or at the first usable LBA for the first partition.
func (t *Table) Add(name string, typ, guid uuid.UUID, size int64) (*Entry, error) {
	if len(t.Entries) >= EntryCount {
		return nil, fmt.Errorf("%w: entry array is full", ErrNoSpace)
	}
	if len(utf16.Encode([]rune(name))) > nameUnits {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	blocks := uint64((size + BlockSize - 1) / BlockSize)
	if blocks == 0 {
		blocks = 1
	}
	first := t.FirstUsableLBA()
	if n := len(t.Entries); n > 0 {
		first = t.Entries[n-1].LastLBA + 1
	}
	last := first + blocks - 1
	if last > t.LastUsableLBA() {
		return nil, fmt.Errorf("%w: needs LBA %d-%d, last usable is %d", ErrNoSpace, first, last, t.LastUsableLBA())
	}
	t.Entries = append(t.Entries, Entry{
		Type:     typ,
		GUID:     guid,
		FirstLBA: first,
		LastLBA:  last,
		Name:     name,
	})
	return &t.Entries[len(t.Entries)-1], nil
}

// entryArray encodes all EntryCount records, unused ones zeroed.
func (t *Table) entryArray() ([]byte, error) {
	buf := make([]byte, EntryCount*EntrySize)
	for i := range t.Entries {
		b, err := t.Entries[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		copy(buf[i*EntrySize:], b)
	}
	return buf, nil
}

// Headers returns the primary and backup headers describing t.
func (t *Table) Headers() (primary, backup *Header, err error) {
	array, err := t.entryArray()
	if err != nil {
		return nil, nil, err
	}
	last := t.TotalBlocks - 1
	primary = &Header{
		Revision:       gptRevision,
		HeaderSize:     headerSize,
		MyLBA:          primaryLBA,
		AlternateLBA:   last,
		FirstUsableLBA: t.FirstUsableLBA(),
		LastUsableLBA:  t.LastUsableLBA(),
		DiskGUID:       t.DiskGUID,
		EntriesLBA:     entriesLBA,
		NumEntries:     EntryCount,
		EntrySize:      EntrySize,
		EntriesCRC32:   crc32.ChecksumIEEE(array),
	}
	b := *primary
	b.MyLBA, b.AlternateLBA, b.EntriesLBA = last, primaryLBA, t.backupEntriesLBA()
	return primary, &b, nil
}

// Write stores the primary header and entry array at the front of w and
// their backups at the end.
func (t *Table) Write(w io.WriterAt) error {
	array, err := t.entryArray()
	if err != nil {
		return err
	}
	primary, backup, err := t.Headers()
	if err != nil {
		return err
	}
	for _, h := range []*Header{primary, backup} {
		hb, err := h.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := w.WriteAt(array, int64(h.EntriesLBA)*BlockSize); err != nil {
			return fmt.Errorf("writing GPT entries at LBA %d: %w", h.EntriesLBA, err)
		}
		if _, err := w.WriteAt(hb, int64(h.MyLBA)*BlockSize); err != nil {
			return fmt.Errorf("writing GPT header at LBA %d: %w", h.MyLBA, err)
		}
	}
	return nil
}

// ReadHeader reads and verifies the header stored at lba.
func ReadHeader(r io.ReaderAt, lba uint64) (*Header, error) {
	buf := make([]byte, BlockSize)
	if _, err := r.ReadAt(buf, int64(lba)*BlockSize); err != nil {
		return nil, fmt.Errorf("reading GPT header at LBA %d: %w", lba, err)
	}
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if h.MyLBA != lba {
		return nil, fmt.Errorf("GPT header at LBA %d claims LBA %d", lba, h.MyLBA)
	}
	return &h, nil
}

// ReadEntries reads the entry array a header points at and verifies its CRC.
// Unused records are dropped.
func ReadEntries(r io.ReaderAt, h *Header) ([]Entry, error) {
	if h.EntrySize < EntrySize || h.NumEntries == 0 || h.NumEntries > 1024 {
		return nil, fmt.Errorf("unsupported GPT entry array: %d entries of %d bytes", h.NumEntries, h.EntrySize)
	}
	buf := make([]byte, int(h.NumEntries)*int(h.EntrySize))
	if _, err := r.ReadAt(buf, int64(h.EntriesLBA)*BlockSize); err != nil {
		return nil, fmt.Errorf("reading GPT entries at LBA %d: %w", h.EntriesLBA, err)
	}
	if got := crc32.ChecksumIEEE(buf); got != h.EntriesCRC32 {
		return nil, fmt.Errorf("GPT entries at LBA %d: %w (stored %#08x, computed %#08x)", h.EntriesLBA, ErrBadCRC, h.EntriesCRC32, got)
	}
	var out []Entry
	for i := 0; i < int(h.NumEntries); i++ {
		var e Entry
		_ = e.UnmarshalBinary(buf[i*int(h.EntrySize):])
		if e.IsUsed() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadTable reads the primary GPT of a disk with totalBlocks blocks and
// checks that the backup header agrees with it.
func ReadTable(r io.ReaderAt, totalBlocks uint64) (*Table, error) {
	primary, err := ReadHeader(r, primaryLBA)
	if err != nil {
		return nil, err
	}
	if primary.AlternateLBA != totalBlocks-1 {
		return nil, fmt.Errorf("GPT backup header expected at LBA %d, primary says %d", totalBlocks-1, primary.AlternateLBA)
	}
	entries, err := ReadEntries(r, primary)
	if err != nil {
		return nil, err
	}
	backup, err := ReadHeader(r, primary.AlternateLBA)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if backup.DiskGUID != primary.DiskGUID || backup.EntriesCRC32 != primary.EntriesCRC32 {
		return nil, fmt.Errorf("GPT backup header does not match primary")
	}
	return &Table{DiskGUID: primary.DiskGUID, TotalBlocks: totalBlocks, Entries: entries}, nil
}
