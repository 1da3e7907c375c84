package fat32

import "github.com/nullshell/corekernel/kerrno"

const maxWriteSize = 64 * 1024

// clusterAt walks first's chain to the cluster holding byte index n
// (in cluster-size units), per spec.md §4.5's read/write offset walk.
func (f *FileSystem) clusterAt(first uint32, n int) (uint32, error) {
	c := first
	for i := 0; i < n; i++ {
		v, err := f.getFATEntry(c)
		if err != nil {
			return 0, err
		}
		if isEOC(v) || v == fatFree || isBad(v) {
			return 0, errCorrupt("cluster chain from %d too short for index %d", first, n)
		}
		c = v
	}
	return c, nil
}

// readFile implements spec.md §4.5's read.
func (f *FileSystem) readFile(first uint32, size uint32, buf []byte, offset int64) (int, error) {
	if offset >= int64(size) {
		return 0, nil
	}
	toRead := int64(len(buf))
	if remaining := int64(size) - offset; toRead > remaining {
		toRead = remaining
	}
	if toRead <= 0 {
		return 0, nil
	}

	clusterSize := int64(f.clusterSize)
	done := int64(0)
	for done < toRead {
		abs := offset + done
		clusterIdx := int(abs / clusterSize)
		inClusterOff := abs % clusterSize
		c, err := f.clusterAt(first, clusterIdx)
		if err != nil {
			return int(done), err
		}
		cbuf := make([]byte, f.clusterSize)
		if err := f.dev.ReadSectors(f.clusterToLBA(c), int(f.sectorsPerClus), cbuf); err != nil {
			return int(done), kerrno.Wrap(kerrno.IO, "fat32: read: %v", err)
		}
		n := int64(len(cbuf)) - inClusterOff
		if remain := toRead - done; n > remain {
			n = remain
		}
		copy(buf[done:done+n], cbuf[inClusterOff:int64(inClusterOff)+n])
		done += n
	}
	return int(done), nil
}

// writeFile implements spec.md §4.5's write: partial clusters are
// read-before-write, full-cluster writes skip the read.
func (f *FileSystem) writeFile(first uint32, curSize uint32, buf []byte, offset int64) (newFirst uint32, newSize uint32, written int, err error) {
	if len(buf) > maxWriteSize {
		return first, curSize, 0, kerrno.Wrap(kerrno.InvalidArgument, "fat32: write size %d exceeds 64KiB", len(buf))
	}

	clusterSize := int64(f.clusterSize)
	if first == 0 {
		nc, err := f.allocateCluster()
		if err != nil {
			return first, curSize, 0, err
		}
		if err := f.zeroCluster(nc); err != nil {
			return first, curSize, 0, err
		}
		first = nc
	}

	need := offset + int64(len(buf))
	clustersNeeded := int((need + clusterSize - 1) / clusterSize)
	have, err := f.countChain(first)
	if err != nil {
		return first, curSize, 0, err
	}
	if clustersNeeded > have {
		if _, err := f.extendChain(first, clustersNeeded-have); err != nil {
			return first, curSize, 0, err
		}
	}

	done := int64(0)
	toWrite := int64(len(buf))
	for done < toWrite {
		abs := offset + done
		clusterIdx := int(abs / clusterSize)
		inClusterOff := abs % clusterSize
		c, err := f.clusterAt(first, clusterIdx)
		if err != nil {
			return first, curSize, int(done), err
		}
		remainInCluster := clusterSize - inClusterOff
		chunk := toWrite - done
		if chunk > remainInCluster {
			chunk = remainInCluster
		}

		var cbuf []byte
		partial := inClusterOff != 0 || chunk < clusterSize
		if partial {
			cbuf = make([]byte, f.clusterSize)
			if err := f.dev.ReadSectors(f.clusterToLBA(c), int(f.sectorsPerClus), cbuf); err != nil {
				return first, curSize, int(done), kerrno.Wrap(kerrno.IO, "fat32: write: read-before-write: %v", err)
			}
		} else {
			cbuf = make([]byte, f.clusterSize)
		}
		copy(cbuf[inClusterOff:inClusterOff+chunk], buf[done:done+chunk])
		if err := f.dev.WriteSectors(f.clusterToLBA(c), int(f.sectorsPerClus), cbuf); err != nil {
			return first, curSize, int(done), kerrno.Wrap(kerrno.IO, "fat32: write: %v", err)
		}
		done += chunk
	}

	newSize = curSize
	if uint32(need) > newSize {
		newSize = uint32(need)
	}
	if err := f.flushFATCache(); err != nil {
		return first, newSize, int(done), err
	}
	if err := f.flushDirCache(); err != nil {
		return first, newSize, int(done), err
	}
	return first, newSize, int(done), nil
}
