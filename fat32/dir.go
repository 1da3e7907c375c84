package fat32

import "github.com/nullshell/corekernel/kerrno"

const entriesPerSector = bytesPerSector / dirEntrySize

// loadDirSector brings a directory sector into the single-sector
// cache, flushing a dirty resident sector first.
func (f *FileSystem) loadDirSector(sector uint64) error {
	if f.dirCache.valid && f.dirCache.sector == sector {
		return nil
	}
	if err := f.flushDirCache(); err != nil {
		return err
	}
	if err := f.dev.ReadSectors(sector, 1, f.dirCache.buf[:]); err != nil {
		return errCorrupt("read dir sector %d: %v", sector, err)
	}
	f.dirCache.sector = sector
	f.dirCache.valid = true
	f.dirCache.dirty = false
	return nil
}

func (f *FileSystem) flushDirCache() error {
	if !f.dirCache.valid || !f.dirCache.dirty {
		return nil
	}
	if err := f.dev.WriteSectors(f.dirCache.sector, 1, f.dirCache.buf[:]); err != nil {
		return errCorrupt("flush dir sector %d: %v", f.dirCache.sector, err)
	}
	f.dirCache.dirty = false
	return nil
}

// dirSlot identifies one 32-byte directory entry's on-disk position.
type dirSlot struct {
	sector uint64
	offset int
}

// forEachEntry walks every directory-entry slot in the cluster chain
// rooted at first, calling visit for each. visit returns stop=true to
// end the walk early. Name byte 0x00 terminates the scan per spec.
func (f *FileSystem) forEachEntry(first uint32, visit func(slot dirSlot, e dirEntry) (stop bool, err error)) error {
	c := first
	for c != 0 && !isEOC(c) {
		base := f.clusterToLBA(c)
		for s := uint64(0); s < uint64(f.sectorsPerClus); s++ {
			sector := base + s
			if err := f.loadDirSector(sector); err != nil {
				return err
			}
			for i := 0; i < entriesPerSector; i++ {
				off := i * dirEntrySize
				raw := f.dirCache.buf[off : off+dirEntrySize]
				if raw[0] == 0x00 {
					return nil
				}
				e := parseDirEntry(raw)
				stop, err := visit(dirSlot{sector: sector, offset: off}, e)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
		}
		v, err := f.getFATEntry(c)
		if err != nil {
			return err
		}
		c = v
	}
	return nil
}

// writeEntry overwrites the 32 bytes at slot with e.
func (f *FileSystem) writeEntry(slot dirSlot, e dirEntry) error {
	if err := f.loadDirSector(slot.sector); err != nil {
		return err
	}
	e.encode(f.dirCache.buf[slot.offset : slot.offset+dirEntrySize])
	f.dirCache.dirty = true
	return nil
}

// entryInfo is what lookup/readdir hand back: the parsed entry plus
// where it lives on disk, needed by create/unlink/updateEntry.
type entryInfo struct {
	slot  dirSlot
	entry dirEntry
	name  string
}

// lookup implements spec.md §4.5's lookup.
func (f *FileSystem) lookup(parent uint32, name string) (entryInfo, error) {
	target := to83(name)
	var found entryInfo
	hit := false
	err := f.forEachEntry(parent, func(slot dirSlot, e dirEntry) (bool, error) {
		if e.ShortName[0] == 0xE5 || e.Attr == AttrLongName {
			return false, nil
		}
		if e.ShortName == target {
			found = entryInfo{slot: slot, entry: e, name: from83(e.ShortName)}
			hit = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return entryInfo{}, err
	}
	if !hit {
		return entryInfo{}, kerrno.Wrap(kerrno.NotFound, "fat32: %s", name)
	}
	return found, nil
}

// readdirEntries implements spec.md §4.5's readdir.
func (f *FileSystem) readdirEntries(parent uint32, max, offset int) ([]entryInfo, error) {
	var out []entryInfo
	idx := 0
	err := f.forEachEntry(parent, func(slot dirSlot, e dirEntry) (bool, error) {
		if e.ShortName[0] == 0xE5 || e.Attr == AttrLongName || e.Attr&AttrVolumeID != 0 {
			return false, nil
		}
		if idx < offset {
			idx++
			return false, nil
		}
		if len(out) >= max {
			return true, nil
		}
		out = append(out, entryInfo{slot: slot, entry: e, name: from83(e.ShortName)})
		idx++
		return false, nil
	})
	return out, err
}

// findFreeSlot locates a 0x00 or 0xE5 entry within parent's chain, or
// extends the chain by one zeroed cluster when none exists.
func (f *FileSystem) findFreeSlot(parent uint32) (dirSlot, error) {
	var free dirSlot
	hasFree := false
	c := parent
	for c != 0 && !isEOC(c) {
		base := f.clusterToLBA(c)
		for s := uint64(0); s < uint64(f.sectorsPerClus); s++ {
			sector := base + s
			if err := f.loadDirSector(sector); err != nil {
				return dirSlot{}, err
			}
			for i := 0; i < entriesPerSector; i++ {
				off := i * dirEntrySize
				first := f.dirCache.buf[off]
				if first == 0x00 || first == 0xE5 {
					free = dirSlot{sector: sector, offset: off}
					hasFree = true
					break
				}
			}
			if hasFree {
				break
			}
		}
		if hasFree {
			break
		}
		v, err := f.getFATEntry(c)
		if err != nil {
			return dirSlot{}, err
		}
		c = v
	}
	if hasFree {
		return free, nil
	}
	if _, err := f.extendChain(parent, 1); err != nil {
		return dirSlot{}, err
	}
	return f.findFreeSlot(parent)
}

// create implements spec.md §4.5's create.
func (f *FileSystem) create(parent uint32, name string, attr byte) (dirEntry, error) {
	if _, err := f.lookup(parent, name); err == nil {
		return dirEntry{}, kerrno.Wrap(kerrno.AlreadyExists, "fat32: %s", name)
	}
	slot, err := f.findFreeSlot(parent)
	if err != nil {
		return dirEntry{}, err
	}
	e := dirEntry{
		ShortName: to83(name),
		Attr:      attr,
		WriteDate: dosDefaultDate,
		WriteTime: dosDefaultTime,
	}
	if err := f.writeEntry(slot, e); err != nil {
		return dirEntry{}, err
	}
	if err := f.flushDirCache(); err != nil {
		return dirEntry{}, err
	}
	return e, nil
}

// mkdir implements spec.md §4.5's mkdir.
func (f *FileSystem) mkdir(parent uint32, name string) (dirEntry, error) {
	if _, err := f.lookup(parent, name); err == nil {
		return dirEntry{}, kerrno.Wrap(kerrno.AlreadyExists, "fat32: %s", name)
	}
	newCluster, err := f.allocateCluster()
	if err != nil {
		return dirEntry{}, err
	}
	if err := f.zeroCluster(newCluster); err != nil {
		return dirEntry{}, err
	}

	dot := dirEntry{Attr: AttrDirectory, WriteDate: dosDefaultDate}
	dot.ShortName = to83(".")
	dot.setFirstCluster(newCluster)
	dotdot := dirEntry{Attr: AttrDirectory, WriteDate: dosDefaultDate}
	dotdot.ShortName = to83("..")
	dotdot.setFirstCluster(parent)

	base := f.clusterToLBA(newCluster)
	if err := f.loadDirSector(base); err != nil {
		return dirEntry{}, err
	}
	dot.encode(f.dirCache.buf[0:dirEntrySize])
	dotdot.encode(f.dirCache.buf[dirEntrySize : 2*dirEntrySize])
	f.dirCache.dirty = true
	if err := f.flushDirCache(); err != nil {
		return dirEntry{}, err
	}

	slot, err := f.findFreeSlot(parent)
	if err != nil {
		return dirEntry{}, err
	}
	e := dirEntry{
		ShortName: to83(name),
		Attr:      AttrDirectory,
		WriteDate: dosDefaultDate,
	}
	e.setFirstCluster(newCluster)
	if err := f.writeEntry(slot, e); err != nil {
		return dirEntry{}, err
	}
	if err := f.flushDirCache(); err != nil {
		return dirEntry{}, err
	}
	return e, nil
}

// unlink implements spec.md §4.5's unlink.
func (f *FileSystem) unlink(parent uint32, name string) error {
	info, err := f.lookup(parent, name)
	if err != nil {
		return err
	}
	if info.entry.Attr&AttrDirectory != 0 {
		onlyDots := true
		err := f.forEachEntry(info.entry.firstCluster(), func(_ dirSlot, e dirEntry) (bool, error) {
			if e.ShortName[0] == 0xE5 {
				return false, nil
			}
			n := from83(e.ShortName)
			if n != "." && n != ".." {
				onlyDots = false
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if !onlyDots {
			return kerrno.Wrap(kerrno.DirectoryNotEmpty, "fat32: %s", name)
		}
	}
	if err := f.loadDirSector(info.slot.sector); err != nil {
		return err
	}
	f.dirCache.buf[info.slot.offset] = 0xE5
	f.dirCache.dirty = true
	if err := f.flushDirCache(); err != nil {
		return err
	}
	if info.entry.firstCluster() != 0 {
		if err := f.freeClusterChain(info.entry.firstCluster()); err != nil {
			return err
		}
	}
	return nil
}

// updateEntry implements spec.md §4.5's update directory entry:
// relocates the existing short-name match and rewrites its cluster
// and size fields. The match must exist.
func (f *FileSystem) updateEntry(parent uint32, name string, firstCluster uint32, size uint32) error {
	info, err := f.lookup(parent, name)
	if err != nil {
		return err
	}
	e := info.entry
	e.setFirstCluster(firstCluster)
	e.FileSize = size
	e.WriteDate = dosDefaultDate
	e.WriteTime = dosDefaultTime
	if err := f.writeEntry(info.slot, e); err != nil {
		return err
	}
	return f.flushDirCache()
}
