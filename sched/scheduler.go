// Package sched implements the cooperative/preemptive task scheduler
// from spec.md §4.6/§4.7: a fixed-capacity TCB pool, priority+FIFO
// ready queues, a btree-ordered sleep queue, and a recursive mutex
// with a FIFO wait queue.
//
// Context switching is architecture-specific and out of scope per
// spec.md §9's "Assembly interop" note; here each task is a goroutine
// whose execution is gated by a per-task channel handshake so that,
// as in the source, exactly one task's code runs at a time. Timer-IRQ
// preemption is modeled cooperatively: Scheduler.Tick advances the
// global tick and wakes sleepers the way the real IRQ handler would,
// and a task body opts into quantum-exhaustion preemption by calling
// Task.Checkpoint at its own loop boundaries.
package sched

import (
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// MaxTasks bounds the TCB pool, per spec.md §4.6 (MAX_TASKS).
const MaxTasks = 256

// DefaultQuantum is the default number of ticks a task runs before
// Checkpoint forces a yield.
const DefaultQuantum = 10

// DefaultTickMS is the simulated duration of one tick in milliseconds.
const DefaultTickMS = 10

// Scheduler owns the TCB pool and both wait structures.
type Scheduler struct {
	mu sync.Mutex

	tasks  map[int]*Task
	nextID int
	ready  *readyQueues
	sleep  *sleepQueue

	ticks   uint64
	current *Task

	quantum int
	tickMS  uint64
	maxTask int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithQuantum overrides the default per-task tick quantum.
func WithQuantum(ticks int) Option {
	return func(s *Scheduler) { s.quantum = ticks }
}

// WithTickMS overrides the simulated tick duration used by Sleep's
// ms-to-ticks conversion.
func WithTickMS(ms uint64) Option {
	return func(s *Scheduler) { s.tickMS = ms }
}

// WithMaxTasks overrides the default TCB pool capacity (MaxTasks).
func WithMaxTasks(n int) Option {
	return func(s *Scheduler) { s.maxTask = n }
}

// New constructs an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[int]*Task),
		ready:   newReadyQueues(),
		sleep:   newSleepQueue(),
		quantum: DefaultQuantum,
		tickMS:  DefaultTickMS,
		maxTask: MaxTasks,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn implements spec.md §4.6's task_create: allocates a TCB,
// inserts it in READY, and starts its goroutine blocked until the
// scheduler's dispatch loop first selects it.
func (s *Scheduler) Spawn(name string, priority int, fn TaskFunc) (*Task, error) {
	s.mu.Lock()
	if len(s.tasks) >= s.maxTask {
		s.mu.Unlock()
		return nil, kerrno.Wrap(kerrno.NoSpace, "sched: task pool full")
	}
	id := s.nextID
	s.nextID++
	t := newTask(id, name, priority, s)
	s.tasks[id] = t
	s.ready.push(t)
	s.mu.Unlock()

	go func() {
		<-t.resume
		fn(t)
		s.exit(t, 0)
	}()
	return t, nil
}

// ticksFromMS converts a millisecond duration to a tick count,
// rounding up.
func (s *Scheduler) ticksFromMS(ms uint64) uint64 {
	if ms == 0 {
		return 0
	}
	return (ms + s.tickMS - 1) / s.tickMS
}

// suspendReady implements task_yield's scheduler half.
func (s *Scheduler) suspendReady(t *Task) {
	s.mu.Lock()
	t.setState(StateReady)
	s.ready.push(t)
	s.mu.Unlock()
	t.stopped <- struct{}{}
	<-t.resume
}

// suspendSleeping implements task_sleep's scheduler half.
func (s *Scheduler) suspendSleeping(t *Task, ms uint64) {
	s.mu.Lock()
	wake := s.ticks + s.ticksFromMS(ms)
	t.mu.Lock()
	t.wakeTick = wake
	t.mu.Unlock()
	t.setState(StateSleeping)
	s.sleep.insert(t, wake)
	s.mu.Unlock()
	t.stopped <- struct{}{}
	<-t.resume
}

// suspendBlocked parks t without making it runnable; a mutex unlock
// (or another wakeup source) must call wake(t) to make it ready
// again, per spec.md §4.7's FIFO wait-queue wakeup.
func (s *Scheduler) suspendBlocked(t *Task, waitObj any) {
	t.mu.Lock()
	t.waitObj = waitObj
	t.mu.Unlock()
	t.setState(StateBlocked)
	t.stopped <- struct{}{}
	<-t.resume
}

// wake moves a blocked task back to READY, per spec.md §4.7's unlock
// contract ("dequeue one waiter (FIFO) and set it READY").
func (s *Scheduler) wake(t *Task) {
	s.mu.Lock()
	t.setState(StateReady)
	s.ready.push(t)
	s.mu.Unlock()
}

// Wake is the exported form of wake, for collaborators outside this
// package that park a task with Task.Block (msgqueue's send wakeup).
func (s *Scheduler) Wake(t *Task) {
	s.wake(t)
}

// exit implements task_exit; idempotent so a task that both returns
// normally and explicitly calls Exit is not double-finalized.
func (s *Scheduler) exit(t *Task, code int) {
	t.mu.Lock()
	if t.state == StateZombie || t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.state = StateZombie
	t.exitCode = code
	t.mu.Unlock()
	t.stopped <- struct{}{}
}

// quantumExpired reports whether t has consumed its quantum since it
// was last dispatched, used by Task.Checkpoint.
func (s *Scheduler) quantumExpired(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.ticks - t.lastTick
	return int(elapsed) >= s.quantum
}

// schedule implements spec.md §4.6's schedule(): picks the
// highest-priority READY task and runs it until its next suspension
// point. Returns false if no task was ready to run.
func (s *Scheduler) schedule() bool {
	s.mu.Lock()
	t, ok := s.ready.pop()
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.setState(StateRunning)
	t.mu.Lock()
	t.lastTick = s.ticks
	t.mu.Unlock()
	s.current = t
	s.mu.Unlock()

	t.resume <- struct{}{}
	<-t.stopped

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return true
}

// Tick implements the timer IRQ's scheduler-visible effect: advances
// the global tick and wakes any sleeper whose wakeup tick has
// arrived, per spec.md §4.6's sleep-queue bullet.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++
	now := s.ticks
	s.mu.Unlock()

	due := s.sleep.wakeDue(now)
	if len(due) == 0 {
		return
	}
	s.mu.Lock()
	for _, t := range due {
		t.setState(StateReady)
		s.ready.push(t)
	}
	s.mu.Unlock()
}

// Ticks reports the current tick count.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Run drives the scheduler until no task is ready or sleeping
// (everything is exited or deadlocked on a mutex), or maxTicks timer
// ticks have elapsed, whichever comes first.
func (s *Scheduler) Run(maxTicks int) {
	for i := 0; i < maxTicks; i++ {
		s.Tick()
		ran := false
		for s.schedule() {
			ran = true
		}
		s.mu.Lock()
		idle := s.ready.len() == 0 && s.sleep.len() == 0
		s.mu.Unlock()
		if idle {
			return
		}
		_ = ran
	}
}

// Reap implements spec.md §4.6's zombie reap: removes every ZOMBIE
// task from the pool and marks it FINISHED.
func (s *Scheduler) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		t.mu.Lock()
		if t.state == StateZombie {
			t.state = StateFinished
			delete(s.tasks, id)
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// HealthReport implements task_monitor_health: a count per state.
type HealthReport struct {
	Ready, Running, Blocked, Sleeping, Zombie, Finished int
}

func (s *Scheduler) MonitorHealth() HealthReport {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var r HealthReport
	for _, t := range tasks {
		switch t.State() {
		case StateReady:
			r.Ready++
		case StateRunning:
			r.Running++
		case StateBlocked:
			r.Blocked++
		case StateSleeping:
			r.Sleeping++
		case StateZombie:
			r.Zombie++
		case StateFinished:
			r.Finished++
		}
	}
	return r
}

// CurrentTask reports the task presently dispatched, if any — used by
// collaborators called from inside a task's turn (serial's polled-vs-
// ring write decision) that need to suspend "whatever is running now"
// without threading a *Task through every call site.
func (s *Scheduler) CurrentTask() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// TaskByID implements spec.md §4.6's task_by_id.
func (s *Scheduler) TaskByID(id int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}
