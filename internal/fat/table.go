package fat

import (
	"encoding/binary"
)

const (
	clusterFree = 0
	clusterBad  = 0x0FFFFFF7
	clusterEOC  = 0x0FFFFFFF
	firstData   = 2
)

// table is an allocation table held in memory with FAT32-sized entries.
// End-of-chain and bad-cluster markers are normalized to their FAT32 values
// and narrowed again by encode.
type table struct {
	typ      Type
	entries  []uint32
	nextFree uint32
}

func newTable(t Type, clusters uint32, media uint8) *table {
	tb := &table{
		typ:      t,
		entries:  make([]uint32, clusters+firstData),
		nextFree: firstData,
	}
	tb.entries[0] = 0x0FFFFF00 | uint32(media)
	tb.entries[1] = clusterEOC
	return tb
}

func decodeTable(t Type, clusters uint32, media uint8, buf []byte) *table {
	tb := &table{
		typ:      t,
		entries:  make([]uint32, clusters+firstData),
		nextFree: firstData,
	}
	le := binary.LittleEndian
	for n := range tb.entries {
		var v uint32
		switch t {
		case FAT12:
			off := n + n/2
			if n&1 == 0 {
				v = uint32(buf[off]) | uint32(buf[off+1]&0x0F)<<8
			} else {
				v = uint32(buf[off]>>4) | uint32(buf[off+1])<<4
			}
			switch {
			case v >= 0xFF8:
				v = clusterEOC
			case v == 0xFF7:
				v = clusterBad
			}
		case FAT16:
			v = uint32(le.Uint16(buf[2*n:]))
			switch {
			case v >= 0xFFF8:
				v = clusterEOC
			case v == 0xFFF7:
				v = clusterBad
			}
		default:
			v = le.Uint32(buf[4*n:]) & 0x0FFFFFFF
			if v >= 0x0FFFFFF8 {
				v = clusterEOC
			}
		}
		tb.entries[n] = v
	}
	tb.entries[0] = 0x0FFFFF00 | uint32(media)
	tb.entries[1] = clusterEOC
	return tb
}

// encode serializes the table into size bytes; the tail past the last
// cluster entry stays zero.
func (tb *table) encode(size int) []byte {
	buf := make([]byte, size)
	le := binary.LittleEndian
	for n, v := range tb.entries {
		switch tb.typ {
		case FAT12:
			v &= 0xFFF
			off := n + n/2
			if n&1 == 0 {
				buf[off] = byte(v)
				buf[off+1] = buf[off+1]&0xF0 | byte(v>>8)&0x0F
			} else {
				buf[off] = buf[off]&0x0F | byte(v<<4)
				buf[off+1] = byte(v >> 4)
			}
		case FAT16:
			le.PutUint16(buf[2*n:], uint16(v))
		default:
			le.PutUint32(buf[4*n:], v&0x0FFFFFFF)
		}
	}
	return buf
}

func (tb *table) isEOC(v uint32) bool {
	return v >= 0x0FFFFFF8
}

func (tb *table) valid(c uint32) bool {
	return c >= firstData && int(c) < len(tb.entries)
}

// chain follows a cluster chain from start.
func (tb *table) chain(start uint32) ([]uint32, error) {
	var out []uint32
	seen := make(map[uint32]bool)
	for c := start; ; {
		if !tb.valid(c) {
			return nil, errCorrupt("cluster %d out of range", c)
		}
		if seen[c] {
			return nil, errCorrupt("cluster chain loops at %d", c)
		}
		seen[c] = true
		out = append(out, c)
		next := tb.entries[c]
		if tb.isEOC(next) {
			return out, nil
		}
		if next == clusterFree || next == clusterBad {
			return nil, errCorrupt("cluster %d has invalid successor %#x", c, next)
		}
		c = next
	}
}

// allocate takes one free cluster, marks it end-of-chain and links it after
// prev unless prev is zero.
func (tb *table) allocate(prev uint32) (uint32, error) {
	n := uint32(len(tb.entries))
	for i := uint32(0); i < n-firstData; i++ {
		c := tb.nextFree + i
		if c >= n {
			c = c - n + firstData
		}
		if tb.entries[c] != clusterFree {
			continue
		}
		tb.entries[c] = clusterEOC
		if prev != 0 {
			tb.entries[prev] = c
		}
		tb.nextFree = c + 1
		if tb.nextFree >= n {
			tb.nextFree = firstData
		}
		return c, nil
	}
	return 0, ErrNoSpace
}

// release frees every cluster of a chain.
func (tb *table) release(start uint32) error {
	clusters, err := tb.chain(start)
	if err != nil {
		return err
	}
	for _, c := range clusters {
		tb.entries[c] = clusterFree
	}
	return nil
}

func (tb *table) freeCount() uint32 {
	var free uint32
	for _, v := range tb.entries[firstData:] {
		if v == clusterFree {
			free++
		}
	}
	return free
}
