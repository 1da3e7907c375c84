// Package kernel wires the core's collaborators into a single object
// constructed from the boot code path, per spec.md §9's "Global
// mutable state" note: the scheduler pool, mount list, FD table and
// FAT caches are process-wide singletons in the source, encapsulated
// here behind one kernel context rather than left as package-level
// globals.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/nullshell/corekernel/fat32"
	"github.com/nullshell/corekernel/hal"
	"github.com/nullshell/corekernel/ide"
	"github.com/nullshell/corekernel/msgqueue"
	"github.com/nullshell/corekernel/sched"
	"github.com/nullshell/corekernel/serial"
	"github.com/nullshell/corekernel/vfs"
)

// Config holds the handful of knobs a boot path tunes, the same shape
// fs.Options/nodefs.Options take in the teacher: a plain struct built
// up by functional options rather than a generic config-file loader.
type Config struct {
	tickIntervalMillis uint64
	quantumTicks       int
	maxTasks           int
	out                io.Writer
}

// Option configures a Context at construction time.
type Option func(*Config)

// WithTickIntervalMillis sets the simulated duration of one scheduler
// tick, used by Task.Sleep's ms-to-ticks conversion.
func WithTickIntervalMillis(ms uint64) Option {
	return func(c *Config) { c.tickIntervalMillis = ms }
}

// WithQuantumTicks sets how many ticks a task runs before
// Task.Checkpoint forces a yield.
func WithQuantumTicks(ticks int) Option {
	return func(c *Config) { c.quantumTicks = ticks }
}

// WithMaxTasks overrides the scheduler's TCB pool capacity.
func WithMaxTasks(n int) Option {
	return func(c *Config) { c.maxTasks = n }
}

// WithLogOutput directs every subsystem logger's output to w, the way
// tests capture fs/*_test.go's loopback output with a bytes.Buffer.
func WithLogOutput(w io.Writer) Option {
	return func(c *Config) { c.out = w }
}

func defaultConfig() Config {
	return Config{
		tickIntervalMillis: sched.DefaultTickMS,
		quantumTicks:       sched.DefaultQuantum,
		maxTasks:           sched.MaxTasks,
		out:                io.Discard,
	}
}

// Context is the single object every subsystem singleton hangs off,
// built by New from the boot code path (spec.md §9). It owns the
// simulated HAL, both UART ports, the IDE controller, the VFS, a
// FAT32 filesystem type registration, the scheduler and the message
// queue registry.
type Context struct {
	cfg Config

	HAL     *hal.Sim
	COM1    *serial.Port
	COM2    *serial.Port
	IDE     *ide.Controller
	VFS     *vfs.VFS
	Sched   *sched.Scheduler
	Queues  *msgqueue.Registry

	log *log.Logger
}

// New boots a kernel context: constructs the simulated HAL, both
// serial ports, the IDE controller, an empty VFS with fat32
// registered, the scheduler and the message-queue registry, then
// wires each UART's scheduler hook to the real scheduler so
// serial.Port.WriteByte can ring-buffer instead of always polling.
func New(opts ...Option) *Context {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	sim := hal.NewSim()
	logger := log.New(cfg.out, "KERNEL: ", log.Lmicroseconds)

	com1 := serial.NewPort(sim, sim, serial.COM1Base, serial.COM1IRQ, log.New(cfg.out, "COM1: ", log.Lmicroseconds))
	com2 := serial.NewPort(sim, sim, serial.COM2Base, serial.COM2IRQ, log.New(cfg.out, "COM2: ", log.Lmicroseconds))

	ctrl := ide.NewController(sim, log.New(cfg.out, "IDE: ", log.Lmicroseconds))

	v := vfs.New()
	v.RegisterFSType(fat32.FileSystemType{Logger: fat32NopLogger{log.New(cfg.out, "FAT32: ", log.Lmicroseconds)}})

	s := sched.New(
		sched.WithTickMS(cfg.tickIntervalMillis),
		sched.WithQuantum(cfg.quantumTicks),
		sched.WithMaxTasks(cfg.maxTasks),
	)

	k := &Context{
		cfg:    cfg,
		HAL:    sim,
		COM1:   com1,
		COM2:   com2,
		IDE:    ctrl,
		VFS:    v,
		Sched:  s,
		Queues: msgqueue.NewRegistry(),
		log:    logger,
	}

	adapter := &schedAdapter{s: s}
	com1.SetScheduler(adapter)
	com2.SetScheduler(adapter)

	return k
}

// schedAdapter implements serial.Scheduler on top of sched.Scheduler:
// "enabled" once a Context exists at all, never reporting IRQ context
// since this core models interrupt handlers as direct synchronous
// calls (Port.HandleIRQ) rather than a separate execution context, and
// Yield suspends whichever task is presently dispatched.
type schedAdapter struct {
	s *sched.Scheduler
}

func (a *schedAdapter) Enabled() bool { return true }
func (a *schedAdapter) InIRQ() bool   { return false }
func (a *schedAdapter) Yield() {
	if t, ok := a.s.CurrentTask(); ok {
		t.Yield()
	}
}

// fat32NopLogger adapts *log.Logger to fat32.Logger.
type fat32NopLogger struct{ l *log.Logger }

func (f fat32NopLogger) Printf(format string, args ...any) { f.l.Printf(format, args...) }

// AttachDisk probes a newly-attached IDE slot and returns the *ide.Disk
// ready for fat32.Format/vfs.Mount, mirroring spec.md §4.3's probe
// sequence (IDENTIFY, LBA28/48 detection).
func (k *Context) AttachDisk(slot ide.Slot, media ide.BlockMedia, kind ide.DriveKind) (*ide.Disk, error) {
	k.IDE.Attach(slot, media, kind)
	disks := k.IDE.Probe()
	for _, d := range disks {
		if d.Slot == slot {
			return d, nil
		}
	}
	return nil, fmt.Errorf("kernel: no disk found at slot %+v after probe", slot)
}

// FormatAndMount formats disk as FAT32 and mounts it at mountpoint,
// the combined boot-time sequence a real init path runs once per
// disk before handing control to user tasks.
func (k *Context) FormatAndMount(ctx context.Context, disk *ide.Disk, mountpoint string, opts fat32.FormatOptions) error {
	if err := fat32.Format(ctx, disk, opts); err != nil {
		return fmt.Errorf("kernel: format %s: %w", mountpoint, err)
	}
	if err := k.VFS.Mount(ctx, mountpoint, "fat32", disk); err != nil {
		return fmt.Errorf("kernel: mount %s: %w", mountpoint, err)
	}
	return nil
}

// Spawn starts a task under the kernel's scheduler and gives it its
// own message queue, mirroring how a real init path would bring up
// each kernel thread with queue_create already done for it. The
// queue is created synchronously against the returned *sched.Task
// before the task's body gets a chance to run, since Spawn's goroutine
// blocks until the scheduler dispatches it for the first time.
func (k *Context) Spawn(name string, priority int, fn sched.TaskFunc) (*sched.Task, *msgqueue.Queue, error) {
	t, err := k.Sched.Spawn(name, priority, fn)
	if err != nil {
		return nil, nil, err
	}
	q, err := k.Queues.Create(k.Sched, t)
	if err != nil {
		return t, nil, err
	}
	return t, q, nil
}

// Run drives the scheduler for up to maxTicks ticks, the same
// run-to-idle loop the demo CLI and tests call after Spawn-ing work.
func (k *Context) Run(maxTicks int) {
	k.Sched.Run(maxTicks)
}

// Shutdown unmounts every filesystem cleanly. Real hardware would
// also mask interrupts and halt; this simulated core has no such step.
func (k *Context) Shutdown(ctx context.Context, mountpoints []string) error {
	for _, m := range mountpoints {
		if err := k.VFS.Unmount(ctx, m); err != nil {
			return fmt.Errorf("kernel: unmount %s: %w", m, err)
		}
	}
	return nil
}
