// Package hal is the boundary spec.md §1 draws around everything that
// must, on real hardware, be written outside Go: port I/O, interrupt
// control, the tick counter and the physical allocator. corekernel
// only ever talks to these through the interfaces below; simhal.go
// supplies an in-process stand-in good enough to drive the rest of
// the kernel core under `go test` or the demo CLI.
package hal

// PortIO is x86 inb/outb/inw/outw, abstracted over an address space
// that need not be the real 0x0000-0xFFFF I/O ports.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
}

// IRQController models PIC EOI acknowledgement (OCW2) and the local
// interrupt mask save/restore pair from spec.md §4.1.
type IRQController interface {
	// EOI acknowledges the given IRQ line (0-15). Per spec.md §4.1,
	// the master is always ack'd; the slave is ack'd too when
	// irq >= 8.
	EOI(irq int)

	// Save disables interrupts locally and returns the previous
	// flag state, to be passed back to Restore.
	Save() Flags
	// Restore restores the interrupt-enabled state captured by Save.
	Restore(f Flags)
}

// Flags is the opaque IF-flag snapshot returned by IRQController.Save.
type Flags uint32

// TickSource is the monotonic tick counter incremented by the
// periodic timer interrupt (spec.md §4.1).
type TickSource interface {
	Ticks() uint64
}

// Allocator is the physical memory allocator collaborator from
// spec.md §1(a): kmalloc/kfree, generalized to byte slices since Go
// has no raw pointers to hand back.
type Allocator interface {
	KMalloc(size int) []byte
	KFree(p []byte)
}

// DebugSink is the byte-oriented trace sink from spec.md §1(b).
type DebugSink interface {
	WriteDebug(p []byte) (int, error)
}
