package ide

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/nullshell/corekernel/hal"
	"github.com/nullshell/corekernel/kerrno"
)

func newTestController(t *testing.T) (*Controller, *hal.Sim) {
	t.Helper()
	sim := hal.NewSim()
	logger := log.New(&bytes.Buffer{}, "IDE: ", 0)
	return NewController(sim, logger), sim
}

func TestProbeSkipsATAPIAndEmptySlots(t *testing.T) {
	c, _ := newTestController(t)
	media := NewMemDisk(16*SectorSize, "TestDisk", "SN1", "FW1")
	c.Attach(Slot{Bus: 0, Drive: 0}, media, KindATA)
	atapi := NewMemDisk(16*SectorSize, "CDROM", "SN2", "FW2")
	c.Attach(Slot{Bus: 0, Drive: 1}, atapi, KindATAPI)

	disks := c.Probe()
	if len(disks) != 1 {
		t.Fatalf("Probe returned %d disks, want 1", len(disks))
	}
	if disks[0].Model != "TestDisk" || disks[0].Serial != "SN1" {
		t.Fatalf("disk identity = %q/%q", disks[0].Model, disks[0].Serial)
	}
	if disks[0].SectorCount != 16 {
		t.Fatalf("SectorCount = %d, want 16", disks[0].SectorCount)
	}
}

func TestProbeDetectsLBA48(t *testing.T) {
	c, _ := newTestController(t)
	big := NewMemDisk(int((1<<28+10)*SectorSize), "BigDisk", "SN", "FW")
	c.Attach(Slot{Bus: 1, Drive: 0}, big, KindSATALegacy)

	disks := c.Probe()
	if len(disks) != 1 || !disks[0].LBA48 {
		t.Fatalf("expected one LBA48 disk, got %+v", disks)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, _ := newTestController(t)
	media := NewMemDisk(64*SectorSize, "D", "S", "F")
	c.Attach(Slot{Bus: 0, Drive: 0}, media, KindATA)
	disk := c.Probe()[0]

	data := bytes.Repeat([]byte{0xAB}, 3*SectorSize)
	if err := disk.WriteSectors(5, 3, data); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	out := make([]byte, 3*SectorSize)
	if err := disk.ReadSectors(5, 3, out); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Fatalf("round trip mismatch")
	}
	if disk.ReadCount != 3 || disk.WriteCount != 3 {
		t.Fatalf("counters = read:%d write:%d", disk.ReadCount, disk.WriteCount)
	}
}

func TestReadOutOfRange(t *testing.T) {
	c, _ := newTestController(t)
	media := NewMemDisk(4*SectorSize, "D", "S", "F")
	c.Attach(Slot{Bus: 0, Drive: 0}, media, KindATA)
	disk := c.Probe()[0]

	buf := make([]byte, SectorSize)
	err := disk.ReadSectors(10, 1, buf)
	if !errors.Is(err, kerrno.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	c, _ := newTestController(t)
	inner := NewMemDisk(8*SectorSize, "D", "S", "F")
	faulty := &FaultInjector{BlockMedia: inner, TargetLBA: 2, Fault: FaultIDNF, Remaining: IDERetries - 1}
	c.Attach(Slot{Bus: 0, Drive: 0}, faulty, KindATA)
	disk := c.Probe()[0]

	buf := make([]byte, SectorSize)
	if err := disk.ReadSectors(2, 1, buf); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if disk.ErrorCount != 0 {
		t.Fatalf("ErrorCount = %d, want 0 on eventual success", disk.ErrorCount)
	}
}

func TestRetryExhaustionIncrementsErrorCount(t *testing.T) {
	c, _ := newTestController(t)
	inner := NewMemDisk(8*SectorSize, "D", "S", "F")
	faulty := &FaultInjector{BlockMedia: inner, TargetLBA: 2, Fault: FaultIDNF, Remaining: IDERetries}
	c.Attach(Slot{Bus: 0, Drive: 0}, faulty, KindATA)
	disk := c.Probe()[0]

	buf := make([]byte, SectorSize)
	err := disk.ReadSectors(2, 1, buf)
	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
	if disk.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", disk.ErrorCount)
	}
}

func TestATAStringRoundTrip(t *testing.T) {
	words := make([]uint16, 10)
	packATAString(words, "hello")
	if got := unpackATAString(words); got != "hello" {
		t.Fatalf("unpackATAString = %q, want hello", got)
	}
}
