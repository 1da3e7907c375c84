package msgqueue

import (
	"context"
	"testing"

	"github.com/nullshell/corekernel/kerrno"
	"github.com/nullshell/corekernel/sched"
)

func TestMessageOrderingTenInOrder(t *testing.T) {
	s := sched.New()
	r := NewRegistry()

	receiverHandle := make(chan *sched.Task, 1)
	var got []uint32
	done := make(chan struct{})

	recv, err := s.Spawn("receiver", 0, func(task *sched.Task) {
		q, err := r.Create(s, task)
		if err != nil {
			t.Errorf("Create: %v", err)
			close(done)
			return
		}
		receiverHandle <- task
		for i := 0; i < 10; i++ {
			m, ok := q.Receive(context.Background(), true)
			if !ok {
				t.Errorf("Receive %d: not ok", i)
				continue
			}
			got = append(got, m.Type)
		}
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Spawn("sender", 0, func(task *sched.Task) {
		<-receiverHandle
		for i := 0; i < 10; i++ {
			if err := r.Send(recv.ID, uint32(100+i), []byte{byte(i)}); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}
	}); err != nil {
		t.Fatal(err)
	}

	s.Run(1000)
	<-done

	if len(got) != 10 {
		t.Fatalf("got %d messages, want 10: %v", len(got), got)
	}
	for i, typ := range got {
		if typ != uint32(100+i) {
			t.Fatalf("got[%d] = %d, want %d (order = %v)", i, typ, 100+i, got)
		}
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	s := sched.New()
	r := NewRegistry()
	task, err := s.Spawn("owner", 0, func(task *sched.Task) {})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(s, task); err != nil {
		t.Fatal(err)
	}

	big := make([]byte, MaxPayload+1)
	if err := r.Send(task.ID, 1, big); !kerrno.InvalidArgument.Is(err) {
		t.Fatalf("Send with oversized payload: got %v, want InvalidArgument", err)
	}
}

func TestSendRejectsFullQueue(t *testing.T) {
	s := sched.New()
	r := NewRegistry()
	task, err := s.Spawn("owner", 0, func(task *sched.Task) {})
	if err != nil {
		t.Fatal(err)
	}
	q, err := r.Create(s, task)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxMessages; i++ {
		if err := r.Send(task.ID, uint32(i), nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := r.Send(task.ID, 999, nil); !kerrno.NoSpace.Is(err) {
		t.Fatalf("Send into full queue: got %v, want NoSpace", err)
	}

	if _, ok := q.Receive(context.Background(), false); !ok {
		t.Fatalf("Receive after full queue: expected a message")
	}
	if err := r.Send(task.ID, 1000, nil); err != nil {
		t.Fatalf("Send after one Receive freed a slot: %v", err)
	}
}

func TestReceiveNonBlockingOnEmptyQueue(t *testing.T) {
	s := sched.New()
	r := NewRegistry()
	task, err := s.Spawn("owner", 0, func(task *sched.Task) {})
	if err != nil {
		t.Fatal(err)
	}
	q, err := r.Create(s, task)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.Receive(context.Background(), false); ok {
		t.Fatalf("Receive on empty queue with blocking=false should return ok=false")
	}
}

func TestCreateRejectsSecondQueueForSameTask(t *testing.T) {
	s := sched.New()
	r := NewRegistry()
	task, err := s.Spawn("owner", 0, func(task *sched.Task) {})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(s, task); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(s, task); !kerrno.AlreadyExists.Is(err) {
		t.Fatalf("second Create: got %v, want AlreadyExists", err)
	}
}
