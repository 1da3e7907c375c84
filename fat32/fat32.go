// Package fat32 implements the on-disk FAT32 storage engine: boot
// sector and FSInfo parsing, a single-sector FAT cache, cluster-chain
// walk/allocate/free, 8.3 directory operations, and file read/write,
// wired behind vfs.FSType/vfs.Ops the way loopbackfs wires a plain
// host directory behind the same interfaces.
package fat32

import (
	"context"
	"fmt"

	"github.com/nullshell/corekernel/kerrno"
)

func errBoot(format string, args ...any) error {
	return kerrno.Wrap(kerrno.Corruption, "fat32: boot sector: "+format, args...)
}

func errCorrupt(format string, args ...any) error {
	return kerrno.Wrap(kerrno.Corruption, "fat32: "+format, args...)
}

// BlockDevice is the sector-addressed surface fat32 needs from a
// block driver; *ide.Disk satisfies it without modification.
type BlockDevice interface {
	Sectors() uint64
	ReadSectors(lba uint64, count int, buf []byte) error
	WriteSectors(lba uint64, count int, buf []byte) error
}

// Logger is the minimal sink fat32 emits diagnostics through; the
// "FAT32: " tag is informational per spec.md §6 and not a wire
// contract.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// fatCache is the single cached FAT sector described in spec.md §4.5:
// at most one sector resident at a time, dirty-tracked.
type fatCache struct {
	sector uint64
	valid  bool
	dirty  bool
	buf    [bytesPerSector]byte
}

// dirCache is the analogous single-sector cache for directory data.
type dirCache struct {
	sector uint64
	valid  bool
	dirty  bool
	buf    [bytesPerSector]byte
}

// FileSystem is one mounted FAT32 volume: the parsed boot sector,
// FSInfo, caches and derived geometry from spec.md §4.5's Mount.
type FileSystem struct {
	dev BlockDevice
	log Logger

	boot bootSector
	fs   fsInfo

	fatCache fatCache
	dirCache dirCache

	fatStartSector  uint64
	dataStartSector uint64
	clusterSize     uint32
	totalClusters   uint32
	sectorsPerFAT   uint32
	numFATs         uint8
	sectorsPerClus  uint8
	rootCluster     uint32
	media           uint8

	hasErrors bool
}

// Option configures Mount/Format the way loopbackfs's NewLoopbackRoot
// options configure a mounted root.
type Option func(*FileSystem)

// WithLogger attaches a diagnostic sink; the default discards.
func WithLogger(l Logger) Option {
	return func(f *FileSystem) { f.log = l }
}

// Mount reads and validates the boot sector and FSInfo sector from
// dev and returns a ready FileSystem, per spec.md §4.5's Mount.
func Mount(ctx context.Context, dev BlockDevice, opts ...Option) (*FileSystem, error) {
	f := &FileSystem{dev: dev, log: nopLogger{}}
	for _, o := range opts {
		o(f)
	}

	sector0 := make([]byte, bytesPerSector)
	if err := f.dev.ReadSectors(0, 1, sector0); err != nil {
		return nil, kerrno.Wrap(kerrno.IO, "fat32: mount: read boot sector: %v", err)
	}
	bs, err := parseBootSector(sector0)
	if err != nil {
		return nil, err
	}
	f.boot = bs
	f.numFATs = bs.NumFATs
	f.sectorsPerClus = bs.SectorsPerCluster
	f.rootCluster = bs.RootCluster
	f.media = bs.Media
	f.sectorsPerFAT = bs.SectorsPerFAT32

	f.fatStartSector = uint64(bs.ReservedSectors)
	f.dataStartSector = f.fatStartSector + uint64(bs.NumFATs)*uint64(bs.SectorsPerFAT32)
	f.clusterSize = uint32(bs.SectorsPerCluster) * bytesPerSector

	totalSectors := uint64(bs.TotalSectors32)
	if totalSectors == 0 {
		totalSectors = uint64(bs.TotalSectors16)
	}
	if totalSectors <= f.dataStartSector {
		return nil, errBoot("total_sectors %d <= data_start_sector %d", totalSectors, f.dataStartSector)
	}
	f.totalClusters = uint32((totalSectors - f.dataStartSector) / uint64(bs.SectorsPerCluster))
	if f.totalClusters < 65525 {
		return nil, errBoot("total_clusters %d < 65525, not FAT32", f.totalClusters)
	}

	fiSector := uint64(bs.FSInfoSector)
	if fiSector == 0 {
		fiSector = 1
	}
	fiBuf := make([]byte, bytesPerSector)
	if err := f.dev.ReadSectors(fiSector, 1, fiBuf); err != nil {
		return nil, kerrno.Wrap(kerrno.IO, "fat32: mount: read fsinfo: %v", err)
	}
	fi, err := parseFSInfo(fiBuf)
	if err != nil {
		return nil, err
	}
	f.fs = fi
	if f.fs.FreeClusters == 0xFFFFFFFF || f.fs.NextFreeCluster == 0xFFFFFFFF {
		if err := f.rescan(); err != nil {
			return nil, err
		}
	}

	entry1, err := f.getFATEntry(1)
	if err != nil {
		return nil, err
	}
	if entry1 != fatEOCSet {
		if err := f.setFATEntry(1, fatEOCSet); err != nil {
			return nil, err
		}
	}
	// Clear CLN_SHUT (bit 27 within the low 28 bits) to mark the
	// volume dirty for the duration of this mount.
	entry1, _ = f.getFATEntry(1)
	if err := f.setFATEntry(1, entry1&^uint32(1<<27)); err != nil {
		return nil, err
	}
	if err := f.flushFATCache(); err != nil {
		return nil, err
	}

	f.log.Printf("FAT32: mounted, %d clusters, cluster_size=%d", f.totalClusters, f.clusterSize)
	return f, nil
}

// rescan recomputes free_clusters/next_free_cluster by walking the
// entire FAT, used when FSInfo carries the "unknown" sentinel.
func (f *FileSystem) rescan() error {
	free := uint32(0)
	next := uint32(0xFFFFFFFF)
	for c := uint32(2); c < f.totalClusters+2; c++ {
		v, err := f.getFATEntry(c)
		if err != nil {
			return err
		}
		if v == fatFree {
			free++
			if next == 0xFFFFFFFF {
				next = c
			}
		}
	}
	f.fs.FreeClusters = free
	if next == 0xFFFFFFFF {
		next = 2
	}
	f.fs.NextFreeCluster = next
	return nil
}

// Unmount flushes both caches, recomputes and rewrites FSInfo, marks
// the volume clean (CLN_SHUT set) and flushes the disk, per spec.md
// §4.5's Unmount.
func (f *FileSystem) Unmount(ctx context.Context) error {
	if err := f.flushDirCache(); err != nil {
		return err
	}
	if err := f.rescan(); err != nil {
		return err
	}
	fiSector := uint64(f.boot.FSInfoSector)
	if fiSector == 0 {
		fiSector = 1
	}
	if err := f.dev.WriteSectors(fiSector, 1, f.fs.encode()); err != nil {
		return kerrno.Wrap(kerrno.IO, "fat32: unmount: write fsinfo: %v", err)
	}

	entry1, err := f.getFATEntry(1)
	if err != nil {
		return err
	}
	entry1 |= 1 << 27 // CLN_SHUT
	if f.hasErrors {
		entry1 &^= 1 << 26 // HRD_ERR clear means error
	} else {
		entry1 |= 1 << 26
	}
	if err := f.setFATEntry(1, entry1); err != nil {
		return err
	}
	return f.flushFATCache()
}

func (f *FileSystem) String() string {
	return fmt.Sprintf("fat32(clusters=%d, cluster_size=%d)", f.totalClusters, f.clusterSize)
}
