package sched

import "sync"

// TaskFunc is a task body, handed its own Task so it can call
// Yield/Sleep/Exit/Checkpoint — the Go analogue of the entry+arg pair
// spec.md §4.6's task_create builds an initial context from.
type TaskFunc func(t *Task)

// Task is one TCB, per spec.md §3/§4.6.
type Task struct {
	ID       int
	Name     string
	Priority int

	sched *Scheduler

	mu       sync.Mutex
	state    State
	wakeTick uint64
	exitCode int
	waitObj  any

	quantumLeft int
	lastTick    uint64

	resume  chan struct{}
	stopped chan struct{}
}

func newTask(id int, name string, priority int, sched *Scheduler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Priority: priority,
		sched:    sched,
		state:    StateReady,
		resume:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// State reports the task's current scheduling state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// ExitCode reports the code passed to Exit, valid once State() is
// StateZombie or StateFinished.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Yield implements spec.md §4.6's task_yield: move current to READY,
// schedule.
func (t *Task) Yield() {
	t.sched.suspendReady(t)
}

// Sleep implements spec.md §4.6's task_sleep(ms): set wakeup-tick =
// now + ceil(ms/tick_ms), state SLEEPING, schedule.
func (t *Task) Sleep(ms uint64) {
	t.sched.suspendSleeping(t, ms)
}

// Exit implements spec.md §4.6's task_exit(code): state ZOMBIE, then
// hand control back to the scheduler; there is no join mechanism, so
// no other task is woken. The task body should return immediately
// after calling Exit.
func (t *Task) Exit(code int) {
	t.sched.exit(t, code)
}

// Block suspends the current task until some other party calls
// Scheduler.Wake(t) — the general form of mutex_lock's contended wait
// from spec.md §4.7, reused by msgqueue's blocking receive for
// message_receive(blocking=true). waitObj records what the task is
// blocked on, for introspection only.
func (t *Task) Block(waitObj any) {
	t.sched.suspendBlocked(t, waitObj)
}

// Checkpoint is the cooperative stand-in for the timer IRQ's
// mid-execution preemption (see DESIGN.md's preemption note): a
// task body calls it at loop boundaries — the same boundary spec.md
// §4.6 already exempts from suspension ("plain arithmetic... never
// suspend") — and it yields only once the task's quantum has been
// exhausted by elapsed Scheduler.Tick calls.
func (t *Task) Checkpoint() {
	if t.sched.quantumExpired(t) {
		t.Yield()
	}
}
