package sched

import "github.com/google/btree"

// sleepEntry orders sleeping tasks by wakeup tick, then by ID to keep
// entries with equal wakeup ticks distinct within the tree, per
// spec.md §4.6's "min-heap keyed by wakeup-tick" alternative — here a
// btree plays the min-heap's role, popped via Ascend+Delete.
type sleepEntry struct {
	wakeTick uint64
	task     *Task
}

func (e *sleepEntry) Less(than btree.Item) bool {
	o := than.(*sleepEntry)
	if e.wakeTick != o.wakeTick {
		return e.wakeTick < o.wakeTick
	}
	return e.task.ID < o.task.ID
}

// sleepQueue is the ordered set of sleeping tasks, per spec.md
// §4.6's sleep queue.
type sleepQueue struct {
	tree *btree.BTree
}

func newSleepQueue() *sleepQueue {
	return &sleepQueue{tree: btree.New(32)}
}

func (q *sleepQueue) insert(t *Task, wakeTick uint64) {
	q.tree.ReplaceOrInsert(&sleepEntry{wakeTick: wakeTick, task: t})
}

func (q *sleepQueue) len() int { return q.tree.Len() }

// wakeDue pops every entry whose wakeTick <= now and returns the
// tasks in wake order.
func (q *sleepQueue) wakeDue(now uint64) []*Task {
	var due []*sleepEntry
	q.tree.Ascend(func(item btree.Item) bool {
		e := item.(*sleepEntry)
		if e.wakeTick > now {
			return false
		}
		due = append(due, e)
		return true
	})
	out := make([]*Task, 0, len(due))
	for _, e := range due {
		q.tree.Delete(e)
		out = append(out, e.task)
	}
	return out
}

// nextWake reports the earliest pending wakeup tick, if any.
func (q *sleepQueue) nextWake() (uint64, bool) {
	item := q.tree.Min()
	if item == nil {
		return 0, false
	}
	return item.(*sleepEntry).wakeTick, true
}
