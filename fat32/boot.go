package fat32

import "encoding/binary"

// bootSectorSize, fatEOCMin/fatEOCSet, fatBadVal, fatFree and the FSInfo signatures
// come straight from spec.md §3/§6.
const (
	bootSectorSize = 512
	bytesPerSector = 512

	fatFree   uint32 = 0x00000000
	fatBadVal uint32 = 0x0FFFFFF7
	fatEOCMin uint32 = 0x0FFFFFF8
	fatEOCSet uint32 = 0x0FFFFFFF
	fatEntryMask uint32 = 0x0FFFFFFF

	fsInfoLead   uint32 = 0x41615252
	fsInfoStruct uint32 = 0x61417272
	fsInfoTrail  uint32 = 0xAA550000

	bootSig1 = 0x55
	bootSig2 = 0xAA
)

// bootSector is the parsed BPB + FAT32 extension from spec.md §3.
type bootSector struct {
	OEMName            [8]byte
	BytesPerSector     uint16
	SectorsPerCluster  uint8
	ReservedSectors    uint16
	NumFATs            uint8
	RootEntries        uint16
	TotalSectors16     uint16
	Media              uint8
	SectorsPerFAT16    uint16
	SectorsPerTrack    uint16
	NumHeads           uint16
	HiddenSectors      uint32
	TotalSectors32     uint32
	SectorsPerFAT32    uint32
	ExtFlags           uint16
	FSVersion          uint16
	RootCluster        uint32
	FSInfoSector       uint16
	BackupBootSector   uint16
	DriveNumber        uint8
	BootSignature      uint8
	VolumeID           uint32
	VolumeLabel        [11]byte
	FSType             [8]byte
}

func parseBootSector(b []byte) (bootSector, error) {
	var bs bootSector
	if len(b) < bootSectorSize {
		return bs, errBoot("short boot sector: %d bytes", len(b))
	}
	if b[510] != bootSig1 || b[511] != bootSig2 {
		return bs, errBoot("bad boot signature %#x%#x", b[510], b[511])
	}
	copy(bs.OEMName[:], b[3:11])
	bs.BytesPerSector = binary.LittleEndian.Uint16(b[11:13])
	bs.SectorsPerCluster = b[13]
	bs.ReservedSectors = binary.LittleEndian.Uint16(b[14:16])
	bs.NumFATs = b[16]
	bs.RootEntries = binary.LittleEndian.Uint16(b[17:19])
	bs.TotalSectors16 = binary.LittleEndian.Uint16(b[19:21])
	bs.Media = b[21]
	bs.SectorsPerFAT16 = binary.LittleEndian.Uint16(b[22:24])
	bs.SectorsPerTrack = binary.LittleEndian.Uint16(b[24:26])
	bs.NumHeads = binary.LittleEndian.Uint16(b[26:28])
	bs.HiddenSectors = binary.LittleEndian.Uint32(b[28:32])
	bs.TotalSectors32 = binary.LittleEndian.Uint32(b[32:36])
	bs.SectorsPerFAT32 = binary.LittleEndian.Uint32(b[36:40])
	bs.ExtFlags = binary.LittleEndian.Uint16(b[40:42])
	bs.FSVersion = binary.LittleEndian.Uint16(b[42:44])
	bs.RootCluster = binary.LittleEndian.Uint32(b[44:48])
	bs.FSInfoSector = binary.LittleEndian.Uint16(b[48:50])
	bs.BackupBootSector = binary.LittleEndian.Uint16(b[50:52])
	bs.DriveNumber = b[64]
	bs.BootSignature = b[66]
	bs.VolumeID = binary.LittleEndian.Uint32(b[67:71])
	copy(bs.VolumeLabel[:], b[71:82])
	copy(bs.FSType[:], b[82:90])

	if bs.BytesPerSector != bytesPerSector {
		return bs, errBoot("unsupported bytes_per_sector %d", bs.BytesPerSector)
	}
	if bs.RootEntries != 0 || bs.SectorsPerFAT16 != 0 {
		return bs, errBoot("not FAT32 (root_entries or sectors_per_fat_16 nonzero)")
	}
	if bs.SectorsPerFAT32 == 0 {
		return bs, errBoot("sectors_per_fat_32 is zero")
	}
	return bs, nil
}

func (bs bootSector) encode() []byte {
	b := make([]byte, bootSectorSize)
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90 // short jmp + nop, conventional
	copy(b[3:11], bs.OEMName[:])
	binary.LittleEndian.PutUint16(b[11:13], bs.BytesPerSector)
	b[13] = bs.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], bs.ReservedSectors)
	b[16] = bs.NumFATs
	binary.LittleEndian.PutUint16(b[17:19], bs.RootEntries)
	binary.LittleEndian.PutUint16(b[19:21], bs.TotalSectors16)
	b[21] = bs.Media
	binary.LittleEndian.PutUint16(b[22:24], bs.SectorsPerFAT16)
	binary.LittleEndian.PutUint16(b[24:26], bs.SectorsPerTrack)
	binary.LittleEndian.PutUint16(b[26:28], bs.NumHeads)
	binary.LittleEndian.PutUint32(b[28:32], bs.HiddenSectors)
	binary.LittleEndian.PutUint32(b[32:36], bs.TotalSectors32)
	binary.LittleEndian.PutUint32(b[36:40], bs.SectorsPerFAT32)
	binary.LittleEndian.PutUint16(b[40:42], bs.ExtFlags)
	binary.LittleEndian.PutUint16(b[42:44], bs.FSVersion)
	binary.LittleEndian.PutUint32(b[44:48], bs.RootCluster)
	binary.LittleEndian.PutUint16(b[48:50], bs.FSInfoSector)
	binary.LittleEndian.PutUint16(b[50:52], bs.BackupBootSector)
	b[64] = bs.DriveNumber
	b[66] = 0x29
	binary.LittleEndian.PutUint32(b[67:71], bs.VolumeID)
	copy(b[71:82], bs.VolumeLabel[:])
	copy(b[82:90], bs.FSType[:])
	b[510], b[511] = bootSig1, bootSig2
	return b
}

// fsInfo is the FSInfo sector from spec.md §3: a hint only (see
// DESIGN.md's Open Question resolution), never trusted across
// unmount for free_clusters.
type fsInfo struct {
	FreeClusters     uint32 // 0xFFFFFFFF = unknown
	NextFreeCluster  uint32 // 0xFFFFFFFF = unknown
}

func parseFSInfo(b []byte) (fsInfo, error) {
	var fi fsInfo
	if len(b) < bootSectorSize {
		return fi, errBoot("short fsinfo sector")
	}
	lead := binary.LittleEndian.Uint32(b[0:4])
	strct := binary.LittleEndian.Uint32(b[484:488])
	trail := binary.LittleEndian.Uint32(b[508:512])
	if lead != fsInfoLead || strct != fsInfoStruct || trail != fsInfoTrail {
		return fi, errBoot("bad FSInfo signatures")
	}
	fi.FreeClusters = binary.LittleEndian.Uint32(b[488:492])
	fi.NextFreeCluster = binary.LittleEndian.Uint32(b[492:496])
	return fi, nil
}

func (fi fsInfo) encode() []byte {
	b := make([]byte, bootSectorSize)
	binary.LittleEndian.PutUint32(b[0:4], fsInfoLead)
	binary.LittleEndian.PutUint32(b[484:488], fsInfoStruct)
	binary.LittleEndian.PutUint32(b[488:492], fi.FreeClusters)
	binary.LittleEndian.PutUint32(b[492:496], fi.NextFreeCluster)
	binary.LittleEndian.PutUint32(b[508:512], fsInfoTrail)
	return b
}
