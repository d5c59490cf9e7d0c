package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	attrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

	caseLowerBase = 0x08
	caseLowerExt  = 0x10

	slotFree   = 0xE5
	slotEnd    = 0x00
	lfnLast    = 0x40
	lfnChars   = 13
	maxNameLen = 255
)

// DirEntry is a classic 32 byte 8.3 directory entry.
type DirEntry struct {
	Name         [11]byte
	Attr         uint8
	CaseFlags    uint8
	CreateTenths uint8
	Created      time.Time
	Accessed     time.Time
	Modified     time.Time
	FirstCluster uint32
	Size         uint32
}

func (e *DirEntry) IsDir() bool {
	return e.Attr&AttrDirectory != 0
}

func (e *DirEntry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, dirEntrySize)
	le := binary.LittleEndian
	copy(buf[0:11], e.Name[:])
	buf[11] = e.Attr
	buf[12] = e.CaseFlags
	buf[13] = e.CreateTenths
	cd, ct := encodeTimestamp(e.Created)
	le.PutUint16(buf[14:16], ct)
	le.PutUint16(buf[16:18], cd)
	ad, _ := encodeTimestamp(e.Accessed)
	le.PutUint16(buf[18:20], ad)
	le.PutUint16(buf[20:22], uint16(e.FirstCluster>>16))
	md, mt := encodeTimestamp(e.Modified)
	le.PutUint16(buf[22:24], mt)
	le.PutUint16(buf[24:26], md)
	le.PutUint16(buf[26:28], uint16(e.FirstCluster))
	le.PutUint32(buf[28:32], e.Size)
	return buf, nil
}

func (e *DirEntry) UnmarshalBinary(buf []byte) error {
	if len(buf) < dirEntrySize {
		return fmt.Errorf("%w: directory entry is %d bytes", ErrInvalidVolume, len(buf))
	}
	le := binary.LittleEndian
	copy(e.Name[:], buf[0:11])
	e.Attr = buf[11]
	e.CaseFlags = buf[12]
	e.CreateTenths = buf[13]
	e.Created = decodeTimestamp(le.Uint16(buf[16:18]), le.Uint16(buf[14:16]))
	e.Accessed = decodeTimestamp(le.Uint16(buf[18:20]), 0)
	e.FirstCluster = uint32(le.Uint16(buf[20:22]))<<16 | uint32(le.Uint16(buf[26:28]))
	e.Modified = decodeTimestamp(le.Uint16(buf[24:26]), le.Uint16(buf[22:24]))
	e.Size = le.Uint32(buf[28:32])
	return nil
}

// DisplayName renders the short name, honouring the lower-case bits that
// Windows NT and Linux use for all-lower-case 8.3 names.
func (e *DirEntry) DisplayName() string {
	name := e.Name
	if name[0] == 0x05 {
		name[0] = slotFree
	}
	base := strings.TrimRight(string(name[0:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	if e.CaseFlags&caseLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if e.CaseFlags&caseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// Checksum is the short-name checksum stored in every long-name slot.
func (e *DirEntry) Checksum() uint8 {
	return shortNameChecksum(e.Name)
}

func shortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// longNameSlots encodes a long name into its VFAT slots, in on-disk order
// (the slot with the highest ordinal first).
func longNameSlots(name string, checksum uint8) [][]byte {
	units := utf16.Encode([]rune(name))
	n := (len(units) + lfnChars - 1) / lfnChars
	padded := make([]uint16, n*lfnChars)
	for i := range padded {
		switch {
		case i < len(units):
			padded[i] = units[i]
		case i == len(units):
			padded[i] = 0x0000
		default:
			padded[i] = 0xFFFF
		}
	}

	le := binary.LittleEndian
	slots := make([][]byte, 0, n)
	for ord := n; ord >= 1; ord-- {
		chunk := padded[(ord-1)*lfnChars : ord*lfnChars]
		buf := make([]byte, dirEntrySize)
		buf[0] = byte(ord)
		if ord == n {
			buf[0] |= lfnLast
		}
		for i := 0; i < 5; i++ {
			le.PutUint16(buf[1+2*i:], chunk[i])
		}
		buf[11] = attrLongName
		buf[13] = checksum
		for i := 0; i < 6; i++ {
			le.PutUint16(buf[14+2*i:], chunk[5+i])
		}
		for i := 0; i < 2; i++ {
			le.PutUint16(buf[28+2*i:], chunk[11+i])
		}
		slots = append(slots, buf)
	}
	return slots
}

// longNameChars extracts the 13 UTF-16 units of one long-name slot.
func longNameChars(buf []byte) []uint16 {
	le := binary.LittleEndian
	out := make([]uint16, 0, lfnChars)
	for i := 0; i < 5; i++ {
		out = append(out, le.Uint16(buf[1+2*i:]))
	}
	for i := 0; i < 6; i++ {
		out = append(out, le.Uint16(buf[14+2*i:]))
	}
	for i := 0; i < 2; i++ {
		out = append(out, le.Uint16(buf[28+2*i:]))
	}
	return out
}

func decodeLongName(units []uint16) string {
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// validateName rejects names that can't be stored in a directory.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(utf16.Encode([]rune(name))) > maxNameLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, maxNameLen)
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: %q ends with a dot or space", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

const shortSpecial = "!#$%&'()-@^_`{}~"

func isShortChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || strings.ContainsRune(shortSpecial, r)
}

// exactShortName reports whether name can be stored as a plain 8.3 entry,
// returning the packed name and the case flags needed to restore it.
func exactShortName(name string) ([11]byte, uint8, bool) {
	var out [11]byte
	base, ext, hasDot := strings.Cut(name, ".")
	if base == "" || len(base) > 8 || len(ext) > 3 || strings.Contains(ext, ".") || (hasDot && ext == "") {
		return out, 0, false
	}

	var flags uint8
	for i, part := range []string{base, ext} {
		upper, lower := strings.ToUpper(part), strings.ToLower(part)
		switch {
		case part == upper:
		case part == lower:
			if i == 0 {
				flags |= caseLowerBase
			} else {
				flags |= caseLowerExt
			}
		default:
			return out, 0, false
		}
		for _, r := range upper {
			if !isShortChar(r) {
				return out, 0, false
			}
		}
	}

	copy(out[:], padded(base, 8))
	copy(out[8:], padded(ext, 3))
	if out[0] == slotFree {
		out[0] = 0x05
	}
	return out, flags, true
}

// EntrySlots returns how many 32-byte directory slots name occupies: one for
// a plain 8.3 name, otherwise the long-name slots plus the alias.
func EntrySlots(name string) int {
	if _, _, ok := exactShortName(name); ok {
		return 1
	}
	units := len(utf16.Encode([]rune(name)))
	return 1 + (units+lfnChars-1)/lfnChars
}

// generateShortName builds a unique BASE~N.EXT alias for a long name.
func generateShortName(name string, taken func([11]byte) bool) ([11]byte, error) {
	clean := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(s) {
			switch {
			case r == ' ' || r == '.':
			case isShortChar(r):
				b.WriteRune(r)
			default:
				b.WriteRune('_')
			}
		}
		return b.String()
	}

	trimmed := strings.TrimLeft(name, ".")
	base, ext := trimmed, ""
	if i := strings.LastIndex(trimmed, "."); i > 0 {
		base, ext = trimmed[:i], trimmed[i+1:]
	}
	base, ext = clean(base), clean(ext)
	if base == "" {
		base = "_"
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}

	for n := 1; n < 1000000; n++ {
		suffix := fmt.Sprintf("~%d", n)
		b := base
		if len(b)+len(suffix) > 8 {
			b = b[:8-len(suffix)]
		}
		var out [11]byte
		copy(out[:], padded(b+suffix, 8))
		copy(out[8:], padded(ext, 3))
		if !taken(out) {
			return out, nil
		}
	}
	return [11]byte{}, fmt.Errorf("%w: no short alias available for %q", ErrInvalidName, name)
}

var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func encodeTimestamp(t time.Time) (date, clock uint16) {
	if t.IsZero() || t.Before(fatEpoch) {
		t = fatEpoch
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, clock
}

func decodeTimestamp(date, clock uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9)+1980, time.Month(date>>5&0x0F), int(date&0x1F),
		int(clock>>11), int(clock>>5&0x3F), int(clock&0x1F)*2, 0, time.UTC,
	)
}
