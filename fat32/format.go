package fat32

import "context"

// sectorsPerClusterFor implements spec.md §4.5's Format size-to-spc
// mapping: starting at 1 spc for volumes up to 512 MiB, doubling per
// size band, capped at 128 spc for volumes over 32 GiB.
func sectorsPerClusterFor(totalBytes uint64) uint8 {
	const mib = 1024 * 1024
	const gib = 1024 * mib
	switch {
	case totalBytes <= 512*mib:
		return 1
	case totalBytes <= 1*gib:
		return 2
	case totalBytes <= 2*gib:
		return 4
	case totalBytes <= 8*gib:
		return 8
	case totalBytes <= 16*gib:
		return 16
	case totalBytes <= 32*gib:
		return 32
	default:
		return 128
	}
}

// FormatOptions configures Format; zero value picks every computed
// default.
type FormatOptions struct {
	OEMName     string
	VolumeLabel string
	Media       uint8
	Logger      Logger
}

// Format implements spec.md §4.5's Format: computes geometry, writes
// the boot sector, FSInfo, FAT tables and a zeroed root cluster, then
// flushes.
func Format(ctx context.Context, dev BlockDevice, opts FormatOptions) error {
	log := Logger(nopLogger{})
	if opts.Logger != nil {
		log = opts.Logger
	}
	media := opts.Media
	if media == 0 {
		media = 0xF8
	}

	totalSectors := dev.Sectors()
	spc := sectorsPerClusterFor(totalSectors * bytesPerSector)

	const numFATs = 2
	reserved := uint32(32)
	sectorsPerFAT := uint32(1)

	// Converge reserved_sectors / sectors_per_fat the way spec.md §4.5
	// describes: recompute total_clusters from the current guess,
	// derive the FAT size the clusters require, repeat until stable.
	for i := 0; i < 10; i++ {
		dataStart := uint64(reserved) + uint64(numFATs)*uint64(sectorsPerFAT)
		if dataStart >= totalSectors {
			return errBoot("format: volume too small for %d-sector reservation", dataStart)
		}
		totalClusters := uint32((totalSectors - dataStart) / uint64(spc))
		neededFATBytes := uint64(totalClusters+2) * 4
		neededFATSectors := uint32((neededFATBytes + bytesPerSector - 1) / bytesPerSector)
		if neededFATSectors == 0 {
			neededFATSectors = 1
		}
		if neededFATSectors == sectorsPerFAT {
			break
		}
		sectorsPerFAT = neededFATSectors
	}

	dataStart := uint64(reserved) + uint64(numFATs)*uint64(sectorsPerFAT)
	totalClusters := uint32((totalSectors - dataStart) / uint64(spc))
	if totalClusters < 65525 {
		return errBoot("format: volume yields only %d clusters, below FAT32 minimum 65525", totalClusters)
	}

	var oem [8]byte
	copy(oem[:], opts.OEMName)
	if opts.OEMName == "" {
		copy(oem[:], "COREKRNL")
	}
	var label [11]byte
	for i := range label {
		label[i] = ' '
	}
	copy(label[:], opts.VolumeLabel)

	bs := bootSector{
		OEMName:           oem,
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: spc,
		ReservedSectors:   uint16(reserved),
		NumFATs:           numFATs,
		Media:             media,
		TotalSectors32:    uint32(totalSectors),
		SectorsPerFAT32:   sectorsPerFAT,
		RootCluster:       2,
		FSInfoSector:      1,
		BackupBootSector:  6,
		DriveNumber:       0x80,
		VolumeID:          0x12345678,
		VolumeLabel:       label,
	}
	copy(bs.FSType[:], "FAT32   ")

	if err := dev.WriteSectors(0, 1, bs.encode()); err != nil {
		return err
	}
	if bs.BackupBootSector != 0 {
		if err := dev.WriteSectors(uint64(bs.BackupBootSector), 1, bs.encode()); err != nil {
			return err
		}
	}

	fi := fsInfo{FreeClusters: totalClusters - 1, NextFreeCluster: 3}
	if err := dev.WriteSectors(1, 1, fi.encode()); err != nil {
		return err
	}

	f := &FileSystem{
		dev:             dev,
		log:             log,
		boot:            bs,
		fs:              fi,
		fatStartSector:  uint64(reserved),
		dataStartSector: dataStart,
		clusterSize:     uint32(spc) * bytesPerSector,
		totalClusters:   totalClusters,
		sectorsPerFAT:   sectorsPerFAT,
		numFATs:         numFATs,
		sectorsPerClus:  spc,
		rootCluster:     2,
		media:           media,
	}

	if err := f.setFATEntry(0, 0x0FFFFFF0|uint32(media)); err != nil {
		return err
	}
	if err := f.setFATEntry(1, fatEOCSet); err != nil {
		return err
	}
	if err := f.setFATEntry(2, fatEOCSet); err != nil {
		return err
	}
	for c := uint32(3); c < totalClusters+2; c++ {
		if err := f.setFATEntry(c, fatFree); err != nil {
			return err
		}
	}
	maxAddressable := sectorsPerFAT * (bytesPerSector / 4)
	for c := totalClusters + 2; c < maxAddressable; c++ {
		if err := f.setFATEntry(c, fatBadVal); err != nil {
			return err
		}
	}
	if err := f.flushFATCache(); err != nil {
		return err
	}

	if err := f.zeroCluster(2); err != nil {
		return err
	}

	if opts.VolumeLabel != "" {
		e := dirEntry{ShortName: label, Attr: AttrVolumeID, WriteDate: dosDefaultDate}
		base := f.clusterToLBA(2)
		if err := f.loadDirSector(base); err != nil {
			return err
		}
		e.encode(f.dirCache.buf[0:dirEntrySize])
		f.dirCache.dirty = true
		if err := f.flushDirCache(); err != nil {
			return err
		}
	}

	log.Printf("FAT32: formatted %d sectors, spc=%d, clusters=%d", totalSectors, spc, totalClusters)
	return nil
}
