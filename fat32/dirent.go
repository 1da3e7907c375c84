package fat32

import (
	"encoding/binary"
	"strings"
)

// Directory entry attribute bits, per spec.md §3/§6.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID // 0x0F
)

const dirEntrySize = 32

// dirEntry is the 32-byte on-disk directory entry from spec.md §3/§6.
type dirEntry struct {
	ShortName [11]byte
	Attr      byte
	FirstClusterHigh uint16
	WriteTime uint16
	WriteDate uint16
	FirstClusterLow  uint16
	FileSize  uint32
}

func (e dirEntry) firstCluster() uint32 {
	return uint32(e.FirstClusterHigh)<<16 | uint32(e.FirstClusterLow)
}

func (e *dirEntry) setFirstCluster(c uint32) {
	e.FirstClusterHigh = uint16(c >> 16)
	e.FirstClusterLow = uint16(c)
}

func parseDirEntry(b []byte) dirEntry {
	var e dirEntry
	copy(e.ShortName[:], b[0:11])
	e.Attr = b[11]
	e.FirstClusterHigh = binary.LittleEndian.Uint16(b[20:22])
	e.WriteTime = binary.LittleEndian.Uint16(b[22:24])
	e.WriteDate = binary.LittleEndian.Uint16(b[24:26])
	e.FirstClusterLow = binary.LittleEndian.Uint16(b[26:28])
	e.FileSize = binary.LittleEndian.Uint32(b[28:32])
	return e
}

func (e dirEntry) encode(b []byte) {
	copy(b[0:11], e.ShortName[:])
	b[11] = e.Attr
	b[12] = 0
	binary.LittleEndian.PutUint16(b[20:22], e.FirstClusterHigh)
	binary.LittleEndian.PutUint16(b[22:24], e.WriteTime)
	binary.LittleEndian.PutUint16(b[24:26], e.WriteDate)
	binary.LittleEndian.PutUint16(b[26:28], e.FirstClusterLow)
	binary.LittleEndian.PutUint32(b[28:32], e.FileSize)
}

// dosDateTime packs a fixed, deterministic DOS date/time: this is a
// hobby kernel with no real-time clock collaborator in scope, so
// every entry is stamped with the same epoch-ish constant rather
// than fabricating wall-clock time.
const (
	dosDefaultDate = (1 << 9) | (1 << 5) | 1 // 1980-01-01
	dosDefaultTime = 0
)

// to83 converts a free-form name into the zero-padded 11-byte 8.3
// pattern, uppercased, per spec.md §4.5's lookup/create contract.
// Names longer than 8.3 are truncated (long-name support is
// explicitly out of scope, spec.md §1).
func to83(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if name == "." || name == ".." {
		copy(out[:], name)
		return out
	}
	name = strings.ToUpper(name)
	base, ext, _ := strings.Cut(name, ".")
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// from83 renders the 11-byte short name back to a display string
// with a dot when an extension is present, per spec.md §4.5's
// readdir contract.
func from83(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if base == "" {
		return ""
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func isDeletedOrEnd(first byte) (deleted bool, end bool) {
	return first == 0xE5, first == 0x00
}
