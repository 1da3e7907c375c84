package hal

import (
	"sync"
	"sync/atomic"
)

// Sim is an in-process HAL: a fake port-mapped address space plus an
// atomically advanced tick counter and a mutex standing in for the
// CPU's IF flag. It is not a hardware emulator; it exists so the
// scheduler, serial and IDE packages can be exercised and tested
// without real assembly.
type Sim struct {
	mu      sync.Mutex
	ports8  map[uint16]uint8
	ports16 map[uint16]uint16

	irqDisabled bool
	ticks       uint64

	eoiLog []int // irqs acked, most recent last; useful for tests
}

var _ PortIO = (*Sim)(nil)
var _ IRQController = (*Sim)(nil)
var _ TickSource = (*Sim)(nil)
var _ Allocator = (*Sim)(nil)

// NewSim constructs a ready-to-use simulated HAL.
func NewSim() *Sim {
	return &Sim{
		ports8:  make(map[uint16]uint8),
		ports16: make(map[uint16]uint16),
	}
}

func (s *Sim) In8(port uint16) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports8[port]
}

func (s *Sim) Out8(port uint16, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports8[port] = v
}

func (s *Sim) In16(port uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports16[port]
}

func (s *Sim) Out16(port uint16, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports16[port] = v
}

func (s *Sim) EOI(irq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eoiLog = append(s.eoiLog, irq)
}

// Save disables the simulated IF flag and returns its previous state
// packed into Flags so Restore can undo exactly this call.
func (s *Sim) Save() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f Flags
	if !s.irqDisabled {
		f = 1
	}
	s.irqDisabled = true
	return f
}

func (s *Sim) Restore(f Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqDisabled = f == 0
}

// Tick advances the simulated timer by one period. Nothing advances
// it in the background: callers (tests) call it directly for
// deterministic control. The scheduler keeps its own tick count.
func (s *Sim) Tick() uint64 {
	return atomic.AddUint64(&s.ticks, 1)
}

func (s *Sim) Ticks() uint64 {
	return atomic.LoadUint64(&s.ticks)
}

func (s *Sim) KMalloc(size int) []byte {
	return make([]byte, size)
}

func (s *Sim) KFree(p []byte) {
	// Garbage collected; nothing to do. Kept as a distinct method so
	// callers read the same as a real kmalloc/kfree pair.
}
