package ide

import (
	"fmt"
	"sync"
)

// BlockMedia is the storage a Disk is attached to. Real hardware is a
// physical platter addressed through PIO registers; corekernel only
// ever needs the sector-granular contract below, so tests and the
// demo CLI supply MemDisk instead of real ports.
type BlockMedia interface {
	SectorCount() uint64
	ReadSector(lba uint64, buf []byte) error
	WriteSector(lba uint64, buf []byte) error
	Flush() error
	Model() string
	Serial() string
	Firmware() string
}

// Sentinel faults a BlockMedia may return; ReadSectors/WriteSectors
// decode them into the ABRT/IDNF/UNC taxonomy from spec.md §4.3.
var (
	FaultABRT    = fmt.Errorf("ide: command aborted")
	FaultIDNF    = fmt.Errorf("ide: sector id not found")
	FaultUNC     = fmt.Errorf("ide: uncorrectable data error")
	FaultTimeout = fmt.Errorf("ide: device timeout")
)

const SectorSize = 512

// MemDisk is an in-memory BlockMedia, used by tests and the demo CLI
// in place of a real disk image.
type MemDisk struct {
	mu       sync.Mutex
	data     []byte
	model    string
	serial   string
	firmware string
}

var _ BlockMedia = (*MemDisk)(nil)

// NewMemDisk allocates an all-zero disk of the given size in bytes,
// which must be a multiple of SectorSize.
func NewMemDisk(sizeBytes int, model, serial, firmware string) *MemDisk {
	return &MemDisk{
		data:     make([]byte, sizeBytes),
		model:    model,
		serial:   serial,
		firmware: firmware,
	}
}

func (m *MemDisk) SectorCount() uint64 { return uint64(len(m.data) / SectorSize) }
func (m *MemDisk) Model() string       { return m.model }
func (m *MemDisk) Serial() string      { return m.serial }
func (m *MemDisk) Firmware() string    { return m.firmware }

func (m *MemDisk) ReadSector(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lba >= m.SectorCount() || len(buf) != SectorSize {
		return FaultIDNF
	}
	copy(buf, m.data[lba*SectorSize:(lba+1)*SectorSize])
	return nil
}

func (m *MemDisk) WriteSector(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lba >= m.SectorCount() || len(buf) != SectorSize {
		return FaultIDNF
	}
	copy(m.data[lba*SectorSize:(lba+1)*SectorSize], buf)
	return nil
}

func (m *MemDisk) Flush() error { return nil }

// FaultInjector wraps a BlockMedia and fails the first N operations
// on the target LBA with the given fault, then behaves normally. It
// exists purely to exercise the IDE_RETRIES=3 policy in tests.
type FaultInjector struct {
	BlockMedia
	mu       sync.Mutex
	TargetLBA uint64
	Fault    error
	Remaining int
}

func (f *FaultInjector) ReadSector(lba uint64, buf []byte) error {
	if f.consume(lba) {
		return f.Fault
	}
	return f.BlockMedia.ReadSector(lba, buf)
}

func (f *FaultInjector) WriteSector(lba uint64, buf []byte) error {
	if f.consume(lba) {
		return f.Fault
	}
	return f.BlockMedia.WriteSector(lba, buf)
}

func (f *FaultInjector) consume(lba uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lba != f.TargetLBA || f.Remaining <= 0 {
		return false
	}
	f.Remaining--
	return true
}
