package fat32

import (
	"encoding/binary"

	"github.com/nullshell/corekernel/kerrno"
)

const maxChainHops = 65536

// loadFATSector brings the sector containing cluster c's entry into
// the single-sector cache, flushing a dirty resident sector first.
func (f *FileSystem) loadFATSector(sector uint64) error {
	if f.fatCache.valid && f.fatCache.sector == sector {
		return nil
	}
	if err := f.flushFATCache(); err != nil {
		return err
	}
	if err := f.dev.ReadSectors(sector, 1, f.fatCache.buf[:]); err != nil {
		return errCorrupt("read FAT sector %d: %v", sector, err)
	}
	f.fatCache.sector = sector
	f.fatCache.valid = true
	f.fatCache.dirty = false
	return nil
}

// getFATEntry implements spec.md §4.5's get_fat_entry.
func (f *FileSystem) getFATEntry(c uint32) (uint32, error) {
	sector := f.fatStartSector + uint64(c)*4/bytesPerSector
	offset := (uint64(c) * 4) % bytesPerSector
	if err := f.loadFATSector(sector); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(f.fatCache.buf[offset:offset+4]) & fatEntryMask, nil
}

// setFATEntry implements spec.md §4.5's set_fat_entry: the upper 4
// reserved bits of the existing value are preserved.
func (f *FileSystem) setFATEntry(c uint32, v uint32) error {
	sector := f.fatStartSector + uint64(c)*4/bytesPerSector
	offset := (uint64(c) * 4) % bytesPerSector
	if err := f.loadFATSector(sector); err != nil {
		return err
	}
	existing := binary.LittleEndian.Uint32(f.fatCache.buf[offset : offset+4])
	merged := (existing &^ fatEntryMask) | (v & fatEntryMask)
	binary.LittleEndian.PutUint32(f.fatCache.buf[offset:offset+4], merged)
	f.fatCache.dirty = true
	return nil
}

// flushFATCache implements spec.md §4.5's flush_fat_cache: writes the
// cached sector to FAT #0 and mirrors it to every backup FAT.
func (f *FileSystem) flushFATCache() error {
	if !f.fatCache.valid || !f.fatCache.dirty {
		return nil
	}
	for k := uint8(0); k < f.numFATs; k++ {
		sector := f.fatCache.sector + uint64(k)*uint64(f.sectorsPerFAT)
		if err := f.dev.WriteSectors(sector, 1, f.fatCache.buf[:]); err != nil {
			return errCorrupt("flush FAT mirror %d: %v", k, err)
		}
	}
	f.fatCache.dirty = false
	return nil
}

// isEOC reports whether a raw FAT entry value denotes end-of-chain.
func isEOC(v uint32) bool { return v >= fatEOCMin }

func isBad(v uint32) bool { return v == fatBadVal }

// countChain implements spec.md §4.5's count_chain.
func (f *FileSystem) countChain(first uint32) (int, error) {
	if first == 0 {
		return 0, nil
	}
	c := first
	n := 0
	for n < maxChainHops {
		n++
		v, err := f.getFATEntry(c)
		if err != nil {
			return n, err
		}
		if isEOC(v) || isBad(v) || v == fatFree {
			return n, nil
		}
		c = v
	}
	return n, errCorrupt("chain from %d exceeds %d hops", first, maxChainHops)
}

// validateChain implements spec.md §4.5's validate_chain: walks the
// full chain tracking every visited cluster so any cycle is caught
// the moment it revisits a hop, and flags FREE-inside-chain,
// out-of-range and BAD entries.
func (f *FileSystem) validateChain(first uint32) (ok bool, length int, err error) {
	if first == 0 {
		return true, 0, nil
	}
	visited := make(map[uint32]struct{}, 256)
	c := first
	n := 0
	for n < maxChainHops {
		if _, seen := visited[c]; seen {
			return false, n, errCorrupt("cycle detected: cluster %d revisited at hop %d", c, n)
		}
		visited[c] = struct{}{}
		if c < 2 || c >= f.totalClusters+2 {
			return false, n, errCorrupt("cluster %d out of range", c)
		}
		n++
		v, err := f.getFATEntry(c)
		if err != nil {
			return false, n, err
		}
		if isBad(v) {
			return false, n, errCorrupt("chain from %d hits BAD cluster at hop %d", first, n)
		}
		if v == fatFree {
			return false, n, errCorrupt("chain from %d hits FREE cluster at hop %d", first, n)
		}
		if isEOC(v) {
			return true, n, nil
		}
		c = v
	}
	return false, n, errCorrupt("chain from %d exceeds %d hops", first, maxChainHops)
}

// allocateCluster implements spec.md §4.5's allocate_cluster.
func (f *FileSystem) allocateCluster() (uint32, error) {
	start := f.fs.NextFreeCluster
	if start < 2 || start >= f.totalClusters+2 {
		start = 2
	}
	c := start
	for i := uint32(0); i < f.totalClusters; i++ {
		v, err := f.getFATEntry(c)
		if err != nil {
			return 0, err
		}
		if v == fatFree {
			if err := f.setFATEntry(c, fatEOCSet); err != nil {
				return 0, err
			}
			if err := f.flushFATCache(); err != nil {
				f.setFATEntry(c, fatFree)
				return 0, err
			}
			if f.fs.FreeClusters != 0xFFFFFFFF && f.fs.FreeClusters > 0 {
				f.fs.FreeClusters--
			}
			next := c + 1
			if next >= f.totalClusters+2 {
				next = 2
			}
			f.fs.NextFreeCluster = next
			return c, nil
		}
		c++
		if c >= f.totalClusters+2 {
			c = 2
		}
	}
	return 0, kerrno.Wrap(kerrno.NoSpace, "fat32: no free clusters")
}

// freeClusterChain implements spec.md §4.5's free_cluster_chain.
func (f *FileSystem) freeClusterChain(first uint32) error {
	c := first
	for c != 0 && !isEOC(c) && !isBad(c) {
		v, err := f.getFATEntry(c)
		if err != nil {
			return err
		}
		if err := f.setFATEntry(c, fatFree); err != nil {
			return err
		}
		if f.fs.FreeClusters != 0xFFFFFFFF {
			f.fs.FreeClusters++
		}
		if isEOC(v) || isBad(v) || v == fatFree {
			break
		}
		c = v
	}
	return f.flushFATCache()
}

// extendChain implements spec.md §4.5's extend_chain: walks to the
// current EOC and appends n newly allocated, zero-filled clusters.
func (f *FileSystem) extendChain(first uint32, n int) (uint32, error) {
	if first == 0 {
		nc, err := f.allocateCluster()
		if err != nil {
			return 0, err
		}
		if err := f.zeroCluster(nc); err != nil {
			return 0, err
		}
		first = nc
		n--
	}
	tail := first
	for {
		v, err := f.getFATEntry(tail)
		if err != nil {
			return 0, err
		}
		if isEOC(v) {
			break
		}
		tail = v
	}
	allocated := 0
	for i := 0; i < n; i++ {
		nc, err := f.allocateCluster()
		if err != nil {
			return first, err
		}
		if err := f.zeroCluster(nc); err != nil {
			return first, err
		}
		if err := f.setFATEntry(tail, nc); err != nil {
			return first, err
		}
		if err := f.setFATEntry(nc, fatEOCSet); err != nil {
			return first, err
		}
		tail = nc
		allocated++
		if allocated%8 == 0 {
			if err := f.flushFATCache(); err != nil {
				return first, err
			}
		}
	}
	return first, f.flushFATCache()
}

// clusterToLBA converts a cluster number to its starting sector.
func (f *FileSystem) clusterToLBA(c uint32) uint64 {
	return f.dataStartSector + uint64(c-2)*uint64(f.sectorsPerClus)
}

func (f *FileSystem) zeroCluster(c uint32) error {
	buf := make([]byte, f.clusterSize)
	return f.dev.WriteSectors(f.clusterToLBA(c), int(f.sectorsPerClus), buf)
}
