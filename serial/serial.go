// Package serial implements the IRQ-driven 16550-style UART ring
// buffers from spec.md §4.2: two ports (COM1/COM2), a 256-byte TX
// ring and a 1024-byte RX ring each, a polled fallback for use before
// the scheduler is up or from inside an interrupt handler, and an
// IRQ handler that drains both directions.
package serial

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/nullshell/corekernel/hal"
)

const (
	txRingSize = 256
	rxRingSize = 1024

	// maxSpinIterations bounds the polled-write busy-wait, per
	// spec.md §5 ("timeout after ~1M busy-wait iterations").
	maxSpinIterations = 1_000_000

	// Standard 16550 register offsets from the UART's I/O base.
	regData = 0 // RBR (read) / THR (write) when DLAB=0
	regIER  = 1
	regIIR  = 2 // FCR on write
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6

	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmit holding register empty

	// COM1Base and COM2Base are the standard PC I/O base addresses
	// from spec.md §6.
	COM1Base uint16 = 0x3F8
	COM2Base uint16 = 0x2F8
	// COM1IRQ and COM2IRQ are the ISA IRQ lines wired to each port.
	COM1IRQ = 4
	COM2IRQ = 3
)

// ErrTimeout is returned by a polled write that could not make
// progress within maxSpinIterations.
var ErrTimeout = errors.New("serial: polled write timed out")

// Scheduler is the minimal slice of the task scheduler the serial
// layer needs: whether voluntary suspension is available at all, and
// whether the calling context is already an interrupt (in which case
// WriteByte must never attempt to suspend).
type Scheduler interface {
	Enabled() bool
	InIRQ() bool
	Yield()
}

// noopScheduler treats the scheduler as permanently off, forcing
// every write through the polled path. Useful before a kernel.Context
// wires a real scheduler in (boot-time logging).
type noopScheduler struct{}

func (noopScheduler) Enabled() bool { return false }
func (noopScheduler) InIRQ() bool   { return false }
func (noopScheduler) Yield()        {}

// Port is one 16550-style UART with its TX/RX rings.
type Port struct {
	io   hal.PortIO
	irqc hal.IRQController
	base uint16
	line int
	log  *log.Logger

	mu       sync.Mutex
	tx       *byteRing
	rx       *byteRing
	busy     bool
	threIRQs bool // THRE interrupt currently enabled

	sched Scheduler

	wire      []byte // bytes that have left the TX ring onto the simulated wire
	pendingRX []byte // bytes that have arrived but not yet been drained into rx
}

// NewPort initializes one UART at 115200-8N1 with FIFOs enabled
// (trigger level 14) and the RX IRQ unmasked, THRE left off, matching
// spec.md §4.2's initialization contract.
func NewPort(io hal.PortIO, irqc hal.IRQController, base uint16, irqLine int, logger *log.Logger) *Port {
	p := &Port{
		io:    io,
		irqc:  irqc,
		base:  base,
		line:  irqLine,
		log:   logger,
		tx:    newByteRing(txRingSize),
		rx:    newByteRing(rxRingSize),
		sched: noopScheduler{},
	}
	p.programBaud115200()
	p.io.Out8(base+regLCR, 0x03) // 8N1
	p.io.Out8(base+regIIR, 0xC7) // FCR: enable FIFO, clear, trigger 14
	p.io.Out8(base+regIER, 0x01) // unmask RDA/timeout only
	// The simulated transmitter is always idle: THRE stays set so the
	// polled path can emit immediately.
	p.io.Out8(base+regLSR, lsrTHRE)
	return p
}

// SetScheduler attaches the scheduler a blocked WriteByte yields
// through; kernel.Context calls this once sched.Scheduler exists.
func (p *Port) SetScheduler(s Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sched = s
}

func (p *Port) programBaud115200() {
	// DLAB programming sequence for 115200 baud (divisor = 1).
	lcr := p.io.In8(p.base + regLCR)
	p.io.Out8(p.base+regLCR, lcr|0x80)
	p.io.Out8(p.base+regData, 0x01) // divisor low
	p.io.Out8(p.base+regIER, 0x00)  // divisor high
	p.io.Out8(p.base+regLCR, lcr&^0x80)
}

// WriteByte implements spec.md §4.2's write_byte contract.
func (p *Port) WriteByte(b byte) error {
	p.mu.Lock()
	sched := p.sched
	p.mu.Unlock()

	if sched == nil || !sched.Enabled() || sched.InIRQ() {
		return p.writePolled(b)
	}

	p.mu.Lock()
	for p.tx.Full() {
		p.mu.Unlock()
		sched.Yield()
		p.mu.Lock()
	}
	wasIdle := p.tx.Empty() && !p.busy
	p.tx.Push(b)
	if wasIdle {
		first, _ := p.tx.Pop()
		p.transmit(first)
		p.busy = true
		p.threIRQs = true
		p.io.Out8(p.base+regIER, p.io.In8(p.base+regIER)|0x02)
	}
	p.mu.Unlock()
	return nil
}

// writePolled spin-waits on THRE and emits directly, bypassing the
// ring. Used before the scheduler exists and from interrupt context.
func (p *Port) writePolled(b byte) error {
	for i := 0; i < maxSpinIterations; i++ {
		if p.io.In8(p.base+regLSR)&lsrTHRE != 0 {
			p.transmit(b)
			return nil
		}
	}
	return ErrTimeout
}

// transmit is the only place a byte actually leaves the ring onto the
// simulated wire; p.wire lets tests and the demo CLI observe what was
// sent.
func (p *Port) transmit(b byte) {
	p.io.Out8(p.base+regData, b)
	p.wire = append(p.wire, b)
}

// Wire returns the bytes transmitted so far. Exposed for tests and
// the demo CLI; real hardware has no such introspection.
func (p *Port) Wire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.wire))
	copy(out, p.wire)
	return out
}

// ReadByteNonblock implements spec.md §4.2's read_byte_nonblock.
func (p *Port) ReadByteNonblock() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.Pop()
}

// BytesAvailable returns the number of bytes currently queued in RX.
func (p *Port) BytesAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.Len()
}

// ClearRX discards all buffered RX bytes.
func (p *Port) ClearRX() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Clear()
}

// InjectIncoming simulates bytes arriving on the wire (what would be
// the UART's physical receive shift register) and raises the IRQ, the
// way real hardware would. Tests and the demo CLI use this in place
// of an actual serial cable.
func (p *Port) InjectIncoming(data []byte) {
	p.mu.Lock()
	p.pendingRX = append(p.pendingRX, data...)
	p.mu.Unlock()
	p.HandleIRQ()
}

// HandleIRQ is the IRQ handler from spec.md §4.2: drain whichever of
// RX/THRE is pending, in a loop, until neither is, then ack the PIC.
// Entered with IRQs already disabled by the CPU in a real kernel; the
// simulated HAL does not need a real mask here since Go already
// serializes via p.mu.
func (p *Port) HandleIRQ() {
	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		p.irqc.EOI(p.line)
	}()

	for {
		switch {
		case len(p.pendingRX) > 0:
			for _, b := range p.pendingRX {
				if !p.rx.Push(b) {
					p.log.Printf("RX overflow, dropping byte %#x", b)
				}
			}
			p.pendingRX = p.pendingRX[:0]
		case p.threIRQs && !p.tx.Empty():
			for !p.tx.Empty() {
				b, _ := p.tx.Pop()
				p.transmit(b)
			}
			p.busy = false
			p.threIRQs = false
			p.io.Out8(p.base+regIER, p.io.In8(p.base+regIER)&^uint8(0x02))
		default:
			return
		}
	}
}

// Device adapts a Port to the byte-stream chardev interface vfs
// mounts serial ports under (spec.md §3 "Serial port ... Registered
// as a character device exposing read/write/poll/ioctl").
type Device struct {
	Port *Port
}

func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, ok := d.Port.ReadByteNonblock()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, nil
}

func (d *Device) Write(ctx context.Context, buf []byte) (int, error) {
	for i, b := range buf {
		if err := d.Port.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

func (d *Device) Poll() int {
	return d.Port.BytesAvailable()
}

func (d *Device) Ioctl(cmd int, arg []byte) error {
	switch cmd {
	case IoctlClearRX:
		d.Port.ClearRX()
		return nil
	default:
		return errUnsupportedIoctl
	}
}

// IoctlClearRX is the one ioctl command serial devices support:
// discard buffered RX bytes.
const IoctlClearRX = 1

var errUnsupportedIoctl = errors.New("serial: unsupported ioctl")
