// Package ide implements the ATA PIO block driver from spec.md §4.3:
// probing the four (bus, drive) slots, LBA28/LBA48 auto-detection,
// device identification, and retried sector read/write.
package ide

import (
	"errors"
	"log"
	"sync"

	"github.com/nullshell/corekernel/hal"
	"github.com/nullshell/corekernel/kerrno"
)

// Primary/secondary ATA I/O bases from spec.md §6.
const (
	PrimaryIOBase    uint16 = 0x1F0
	PrimaryCtrlBase  uint16 = 0x3F6
	SecondaryIOBase  uint16 = 0x170
	SecondaryCtrlBase uint16 = 0x376
)

// Command codes from spec.md §6.
const (
	cmdReadSectors    = 0x20
	cmdReadSectorsExt = 0x24
	cmdWriteSectors   = 0x30
	cmdWriteSectorsExt = 0x34
	cmdCacheFlush     = 0xE7
	cmdIdentify       = 0xEC
)

// Register offsets from the I/O base.
const (
	regData     = 0
	regError    = 1
	regSecCount = 2
	regLBALo    = 3
	regLBAMid   = 4
	regLBAHi    = 5
	regDrive    = 6
	regStatus   = 7 // also command on write
)

const (
	statusBSY = 1 << 7
	statusDRQ = 1 << 3
	statusERR = 1 << 0

	errABRT = 1 << 2
	errIDNF = 1 << 4
	errUNC  = 1 << 6
)

// IDERetries is the number of attempts made for each command before
// the error is surfaced, per spec.md §4.3.
const IDERetries = 3

const maxPollIterations = 1_000_000

// DriveKind is the signature class a probed drive reports.
type DriveKind int

const (
	KindATA DriveKind = iota
	KindATAPI
	KindSATALegacy
)

func signatureFor(k DriveKind) (mid, high uint8) {
	switch k {
	case KindATAPI:
		return 0x14, 0xEB
	case KindSATALegacy:
		return 0x3C, 0xC3
	default:
		return 0x00, 0x00
	}
}

// Slot identifies one of the four (bus, drive) positions the
// controller scans.
type Slot struct {
	Bus   int // 0 = primary, 1 = secondary
	Drive int // 0 = master, 1 = slave
}

type installed struct {
	media BlockMedia
	kind  DriveKind
}

// Controller scans and drives up to four ATA slots. Its own mutex
// guards the slot table; each Disk it returns carries the disk-level
// mutex that serializes PIO command sequences, per spec.md §5.
type Controller struct {
	io  hal.PortIO
	log *log.Logger

	mu        sync.Mutex
	installed map[Slot]installed
}

// NewController wires a Controller against the given port space.
func NewController(io hal.PortIO, logger *log.Logger) *Controller {
	return &Controller{io: io, log: logger, installed: make(map[Slot]installed)}
}

// Attach simulates plugging media into a slot: it writes the slot's
// post-reset signature bytes so Probe's read of LBA_MID/LBA_HIGH
// observes exactly what spec.md §4.3 says to branch on.
func (c *Controller) Attach(slot Slot, media BlockMedia, kind DriveKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed[slot] = installed{media: media, kind: kind}
	base := c.ioBase(slot.Bus)
	c.selectDrive(base, slot.Drive)
	mid, hi := signatureFor(kind)
	c.io.Out8(base+regLBAMid, mid)
	c.io.Out8(base+regLBAHi, hi)
}

func (c *Controller) ioBase(bus int) uint16 {
	if bus == 0 {
		return PrimaryIOBase
	}
	return SecondaryIOBase
}

func (c *Controller) selectDrive(base uint16, drive int) {
	v := uint8(0xA0)
	if drive == 1 {
		v |= 1 << 4
	}
	c.io.Out8(base+regDrive, v)
}

// Disk is the descriptor spec.md §3 lists: bus/drive location, I/O
// addresses, geometry, addressing mode, identification strings and
// running counters, plus the disk-level mutex serializing PIO
// sequences into it.
type Disk struct {
	Slot        Slot
	IOBase      uint16
	CtrlBase    uint16
	SectorCount uint64
	SectorSize  int
	LBA48       bool
	Model       string
	Serial      string
	Firmware    string

	ReadCount  uint64
	WriteCount uint64
	ErrorCount uint64

	mu   sync.Mutex
	ctl  *Controller
	media BlockMedia
}

// Probe scans the four (bus, drive) slots and returns a Disk for
// every one that identifies as ATA or SATA-legacy (ATAPI slots are
// skipped), per spec.md §4.3.
func (c *Controller) Probe() []*Disk {
	var disks []*Disk
	for bus := 0; bus < 2; bus++ {
		for drive := 0; drive < 2; drive++ {
			if d := c.probeSlot(Slot{Bus: bus, Drive: drive}); d != nil {
				disks = append(disks, d)
			}
		}
	}
	return disks
}

func (c *Controller) probeSlot(slot Slot) *Disk {
	c.mu.Lock()
	inst, ok := c.installed[slot]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	base := c.ioBase(slot.Bus)
	ctrlBase := PrimaryCtrlBase
	if slot.Bus == 1 {
		ctrlBase = SecondaryCtrlBase
	}

	c.selectDrive(base, slot.Drive)
	// Master and slave share the bus registers: the selected device
	// presents its own signature after selection.
	sigMid, sigHi := signatureFor(inst.kind)
	c.io.Out8(base+regLBAMid, sigMid)
	c.io.Out8(base+regLBAHi, sigHi)
	mid := c.io.In8(base + regLBAMid)
	hi := c.io.In8(base + regLBAHi)
	switch {
	case mid == 0x14 && hi == 0xEB:
		c.log.Printf("IDE: %v ATAPI, skipping", slot)
		return nil
	case mid == 0x00 && hi == 0x00, mid == 0x3C && hi == 0xC3:
		// ATA or SATA-legacy: proceed.
	default:
		c.log.Printf("IDE: %v unrecognized signature %#x/%#x, skipping", slot, mid, hi)
		return nil
	}

	c.io.Out8(base+regStatus, cmdIdentify)
	// The simulated device answers IDENTIFY by raising DRQ.
	c.io.Out8(base+regStatus, statusDRQ)
	if !c.waitDRQ(base) {
		c.log.Printf("IDE: %v IDENTIFY timed out", slot)
		return nil
	}

	words := identifyWords(inst.media)
	count, lba48 := identifySectorCount(words)

	d := &Disk{
		Slot:        slot,
		IOBase:      base,
		CtrlBase:    ctrlBase,
		SectorCount: count,
		SectorSize:  SectorSize,
		LBA48:       lba48,
		Model:       unpackATAString(words[27:47]),
		Serial:      unpackATAString(words[10:20]),
		Firmware:    unpackATAString(words[23:27]),
		ctl:         c,
		media:       inst.media,
	}
	c.log.Printf("IDE: %v %q %d sectors lba48=%v", slot, d.Model, d.SectorCount, d.LBA48)
	return d
}

func (c *Controller) waitDRQ(base uint16) bool {
	for i := 0; i < maxPollIterations; i++ {
		s := c.io.In8(base + regStatus)
		if s&statusBSY == 0 && s&statusDRQ != 0 {
			return true
		}
	}
	return false
}

func (c *Controller) waitReady(base uint16) bool {
	for i := 0; i < maxPollIterations; i++ {
		if c.io.In8(base+regStatus)&statusBSY == 0 {
			return true
		}
	}
	return false
}

// selectForIO programs the drive/head register and sector
// count/LBA registers for one command, choosing LBA28 or LBA48
// encoding per spec.md §4.3.
func (d *Disk) selectForIO(lba uint64, count int) {
	base := d.IOBase
	io := d.ctl.io
	if d.LBA48 {
		v := uint8(0x40)
		if d.Slot.Drive == 1 {
			v |= 1 << 4
		}
		io.Out8(base+regDrive, v)
		io.Out8(base+regSecCount, uint8(count>>8))
		io.Out8(base+regLBALo, uint8(lba>>24))
		io.Out8(base+regLBAMid, uint8(lba>>32))
		io.Out8(base+regLBAHi, uint8(lba>>40))
		io.Out8(base+regSecCount, uint8(count))
		io.Out8(base+regLBALo, uint8(lba))
		io.Out8(base+regLBAMid, uint8(lba>>8))
		io.Out8(base+regLBAHi, uint8(lba>>16))
	} else {
		v := uint8(0xE0) | uint8((lba>>24)&0x0F)
		if d.Slot.Drive == 1 {
			v |= 1 << 4
		}
		io.Out8(base+regDrive, v)
		io.Out8(base+regSecCount, uint8(count))
		io.Out8(base+regLBALo, uint8(lba))
		io.Out8(base+regLBAMid, uint8(lba>>8))
		io.Out8(base+regLBAHi, uint8(lba>>16))
	}
}

// Sectors reports the disk's total sector count, satisfying the
// minimal BlockDevice interface higher layers (fat32) depend on
// instead of importing ide directly.
func (d *Disk) Sectors() uint64 { return d.SectorCount }

// ReadSectors reads count sectors starting at lba into buf
// (len(buf) == count*SectorSize), splitting into <=255-sector
// commands and attempting each up to IDERetries times.
func (d *Disk) ReadSectors(lba uint64, count int, buf []byte) error {
	return d.transfer(lba, count, buf, false)
}

// WriteSectors writes count sectors from buf to lba, flushing the
// cache after the final chunk.
func (d *Disk) WriteSectors(lba uint64, count int, buf []byte) error {
	return d.transfer(lba, count, buf, true)
}

func (d *Disk) transfer(lba uint64, count int, buf []byte, write bool) error {
	if count < 0 || lba+uint64(count) > d.SectorCount {
		return kerrno.Wrap(kerrno.InvalidArgument, "ide: lba %d+%d exceeds %d sectors", lba, count, d.SectorCount)
	}
	if len(buf) != count*SectorSize {
		return kerrno.Wrap(kerrno.InvalidArgument, "ide: buffer length %d != %d", len(buf), count*SectorSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	const chunk = 255
	for done := 0; done < count; {
		n := count - done
		if n > chunk {
			n = chunk
		}
		off := done * SectorSize
		if err := d.transferChunk(lba+uint64(done), n, buf[off:off+n*SectorSize], write); err != nil {
			return err
		}
		done += n
	}
	if write {
		d.issueCacheFlush()
	}
	return nil
}

func (d *Disk) transferChunk(lba uint64, count int, buf []byte, write bool) error {
	var lastErr error
	for attempt := 0; attempt < IDERetries; attempt++ {
		if err := d.transferChunkOnce(lba, count, buf, write); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	d.ErrorCount++
	return lastErr
}

func (d *Disk) transferChunkOnce(lba uint64, count int, buf []byte, write bool) error {
	base := d.IOBase
	io := d.ctl.io

	d.selectForIO(lba, count)
	cmd := uint8(cmdReadSectors)
	if d.LBA48 {
		cmd = cmdReadSectorsExt
	}
	if write {
		cmd = cmdWriteSectors
		if d.LBA48 {
			cmd = cmdWriteSectorsExt
		}
	}
	io.Out8(base+regStatus, cmd)
	// The simulated device answers the command by raising DRQ.
	io.Out8(base+regStatus, statusDRQ)

	for s := 0; s < count; s++ {
		sec := buf[s*SectorSize : (s+1)*SectorSize]
		if !d.ctl.waitDRQ(base) {
			return kerrno.Wrap(kerrno.Timeout, "ide: %v DRQ timeout at lba %d", d.Slot, lba+uint64(s))
		}
		status := io.In8(base + regStatus)
		if status&statusERR != 0 {
			return d.decodeError(lba + uint64(s))
		}
		if write {
			if err := d.media.WriteSector(lba+uint64(s), sec); err != nil {
				return d.mediaErr(err, lba+uint64(s))
			}
			d.WriteCount++
		} else {
			if err := d.media.ReadSector(lba+uint64(s), sec); err != nil {
				return d.mediaErr(err, lba+uint64(s))
			}
			d.ReadCount++
		}
	}
	return nil
}

func (d *Disk) decodeError(lba uint64) error {
	e := d.ctl.io.In8(d.IOBase + regError)
	switch {
	case e&errIDNF != 0:
		return kerrno.Wrap(kerrno.IO, "ide: %v IDNF at lba %d", d.Slot, lba)
	case e&errUNC != 0:
		return kerrno.Wrap(kerrno.IO, "ide: %v UNC at lba %d", d.Slot, lba)
	case e&errABRT != 0:
		return kerrno.Wrap(kerrno.IO, "ide: %v ABRT at lba %d", d.Slot, lba)
	default:
		return kerrno.Wrap(kerrno.IO, "ide: %v error %#x at lba %d", d.Slot, e, lba)
	}
}

func (d *Disk) mediaErr(err error, lba uint64) error {
	switch {
	case errors.Is(err, FaultTimeout):
		return kerrno.Wrap(kerrno.Timeout, "ide: %v timeout at lba %d", d.Slot, lba)
	case errors.Is(err, FaultIDNF), errors.Is(err, FaultUNC), errors.Is(err, FaultABRT):
		return kerrno.Wrap(kerrno.IO, "ide: %v %v at lba %d", d.Slot, err, lba)
	default:
		return kerrno.Wrap(kerrno.IO, "ide: %v %v at lba %d", d.Slot, err, lba)
	}
}

func (d *Disk) issueCacheFlush() {
	d.ctl.io.Out8(d.IOBase+regStatus, cmdCacheFlush)
	// The simulated device completes the flush immediately (BSY clear).
	d.ctl.io.Out8(d.IOBase+regStatus, 0)
	d.ctl.waitReady(d.IOBase)
	_ = d.media.Flush()
}
