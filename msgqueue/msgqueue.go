// Package msgqueue implements the per-task message queue from
// spec.md §4.8: one bounded FIFO queue per task, non-broadcast,
// at-most-once, FIFO delivery between any sender-receiver pair.
//
// Capacity is gated the way nodefs's readdir/lookup fan-out in the
// teacher limits concurrent work: golang.org/x/sync/semaphore's
// Weighted stands in for the 32-slot bound (MaxMessages), so a full
// queue's send fails fast with TryAcquire rather than hand-rolling a
// counting check under the queue's own mutex.
package msgqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nullshell/corekernel/kerrno"
	"github.com/nullshell/corekernel/sched"
)

// MaxMessages is the per-queue capacity bound from spec.md §4.8
// ("reject if message_count == 32").
const MaxMessages = 32

// MaxPayload is the largest message payload accepted by Send.
const MaxPayload = 256

// Message is one queued message: a type tag plus an opaque payload,
// copied on Send so the sender's buffer can be reused immediately.
type Message struct {
	Type uint32
	Data []byte
}

// Queue is the message queue attached to a single task.
type Queue struct {
	owner *sched.Task
	sched *sched.Scheduler

	cap *semaphore.Weighted

	mu       sync.Mutex
	messages []Message
}

// Registry is the process-wide "at most one queue per task" table,
// playing the role spec.md §4.8's task_id -> Queue* lookup plays in
// send/receive.
type Registry struct {
	mu     sync.Mutex
	queues map[int]*Queue
}

// NewRegistry constructs an empty queue table.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[int]*Queue)}
}

// Create implements spec.md §4.8's queue_create: attach a fresh queue
// to task. Returns AlreadyExists if task already has one.
func (r *Registry) Create(s *sched.Scheduler, task *sched.Task) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[task.ID]; ok {
		return nil, kerrno.Wrap(kerrno.AlreadyExists, "msgqueue: task %d already has a queue", task.ID)
	}
	q := &Queue{
		owner: task,
		sched: s,
		cap:   semaphore.NewWeighted(MaxMessages),
	}
	r.queues[task.ID] = q
	return q, nil
}

// Lookup finds the queue owned by a task, if any.
func (r *Registry) Lookup(taskID int) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[taskID]
	return q, ok
}

// Destroy removes a task's queue, e.g. on task_exit.
func (r *Registry) Destroy(taskID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, taskID)
}

// Send implements spec.md §4.8's send(target_id, type, data, size):
// reject size > 256; reject if the target's queue is full; otherwise
// append to tail and wake the target if it is blocked waiting on this
// queue. data is copied so the caller's buffer can be reused.
func (r *Registry) Send(targetID int, msgType uint32, data []byte) error {
	if len(data) > MaxPayload {
		return kerrno.Wrap(kerrno.InvalidArgument, "msgqueue: payload %d exceeds %d bytes", len(data), MaxPayload)
	}
	q, ok := r.Lookup(targetID)
	if !ok {
		return kerrno.Wrap(kerrno.NotFound, "msgqueue: no queue for task %d", targetID)
	}
	return q.send(msgType, data)
}

func (q *Queue) send(msgType uint32, data []byte) error {
	if !q.cap.TryAcquire(1) {
		return kerrno.Wrap(kerrno.NoSpace, "msgqueue: queue for task %d is full", q.owner.ID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	q.mu.Lock()
	q.messages = append(q.messages, Message{Type: msgType, Data: cp})
	q.mu.Unlock()

	if q.owner.State() == sched.StateBlocked {
		q.sched.Wake(q.owner)
	}
	return nil
}

// Receive implements spec.md §4.8's receive(blocking): pop the head
// message; if empty and non-blocking, return ok=false; if blocking,
// park the owning task until a Send wakes it, then retry. Only the
// owning task should call Receive.
func (q *Queue) Receive(ctx context.Context, blocking bool) (Message, bool) {
	for {
		if m, ok := q.tryPop(); ok {
			return m, true
		}
		if !blocking {
			return Message{}, false
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		default:
		}
		q.owner.Block(q)
	}
}

func (q *Queue) tryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	q.cap.Release(1)
	return m, true
}

// Len reports the number of queued, unreceived messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Owner reports the task this queue is attached to.
func (q *Queue) Owner() *sched.Task { return q.owner }
