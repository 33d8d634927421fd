package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatwire/internal/domain"
)

func TestFifoQueue_Order(t *testing.T) {
	q := NewFifoQueue()
	const n = 100
	for i := 0; i < n; i++ {
		if err := q.Send(i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		msg, err := q.Receive(context.Background())
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if msg.(int) != i {
			t.Fatalf("expected %d, got %v", i, msg)
		}
	}
}

func TestFifoQueue_OrderAcrossGoroutines(t *testing.T) {
	q := NewFifoQueue()
	const n = 500

	done := make(chan []int)
	go func() {
		var got []int
		for i := 0; i < n; i++ {
			msg, err := q.Receive(context.Background())
			if err != nil {
				break
			}
			got = append(got, msg.(int))
		}
		done <- got
	}()

	for i := 0; i < n; i++ {
		q.Send(i)
	}

	got := <-done
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestFifoQueue_ReceiveTimeout(t *testing.T) {
	q := NewFifoQueue()

	start := time.Now()
	if _, ok := q.ReceiveTimeout(30 * time.Millisecond); ok {
		t.Fatal("expected no message from empty queue")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}

	q.Send("x")
	msg, ok := q.ReceiveTimeout(time.Second)
	if !ok || msg != "x" {
		t.Errorf("expected x, got %v (ok=%v)", msg, ok)
	}
}

func TestFifoQueue_BlockedReceiveWakes(t *testing.T) {
	q := NewFifoQueue()

	got := make(chan domain.Message, 1)
	go func() {
		msg, _ := q.Receive(context.Background())
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	q.Send("late")

	select {
	case msg := <-got:
		if msg != "late" {
			t.Errorf("expected late, got %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never woke")
	}
}

func TestFifoQueue_Close(t *testing.T) {
	q := NewFifoQueue()
	q.Send(1)
	q.Close()
	q.Close()

	if err := q.Send(2); !errors.Is(err, domain.ErrSenderClosed) {
		t.Fatalf("expected ErrSenderClosed, got %v", err)
	}
	if msg, err := q.Receive(context.Background()); err != nil || msg != 1 {
		t.Fatalf("pending message should survive close, got %v, %v", msg, err)
	}
	if _, err := q.Receive(context.Background()); !errors.Is(err, domain.ErrSenderClosed) {
		t.Fatalf("expected ErrSenderClosed on drained queue, got %v", err)
	}
}

func TestFifoQueue_WaitUntilEmpty(t *testing.T) {
	q := NewFifoQueue()
	q.Send("a")
	q.Send("b")

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Receive(context.Background())
		q.Receive(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.WaitUntilEmpty(ctx); err != nil {
		t.Fatalf("WaitUntilEmpty: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, len=%d", q.Len())
	}
}

func TestMailBox_SecondSendBlocks(t *testing.T) {
	mb := NewMailBox()
	if err := mb.Send("first"); err != nil {
		t.Fatal(err)
	}

	sent := make(chan struct{})
	go func() {
		mb.Send("second")
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("second send should block while the mailbox is full")
	case <-time.After(50 * time.Millisecond):
	}

	msg, err := mb.Receive(context.Background())
	if err != nil || msg != "first" {
		t.Fatalf("expected first, got %v, %v", msg, err)
	}

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("second send never completed")
	}

	msg, _ = mb.Receive(context.Background())
	if msg != "second" {
		t.Errorf("expected second, got %v", msg)
	}
}

func TestMailBox_NeverHoldsMoreThanOne(t *testing.T) {
	mb := NewMailBox()
	const senders = 10

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mb.Send(i)
		}(i)
	}

	seen := make(map[int]bool)
	for i := 0; i < senders; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		msg, err := mb.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		seen[msg.(int)] = true
	}
	wg.Wait()

	if len(seen) != senders {
		t.Errorf("expected %d distinct messages, got %d", senders, len(seen))
	}
	if mb.Full() {
		t.Error("mailbox should be empty")
	}
}

func TestMailBox_WaitUntilFullDoesNotConsume(t *testing.T) {
	mb := NewMailBox()
	go func() {
		time.Sleep(10 * time.Millisecond)
		mb.Send("x")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mb.WaitUntilFull(ctx); err != nil {
		t.Fatal(err)
	}
	if !mb.Full() {
		t.Fatal("WaitUntilFull consumed the message")
	}
	if msg, ok := mb.ReceiveTimeout(time.Second); !ok || msg != "x" {
		t.Errorf("expected x, got %v", msg)
	}
}

func TestMailBox_ReceiveTimeout(t *testing.T) {
	mb := NewMailBox()
	if _, ok := mb.ReceiveTimeout(20 * time.Millisecond); ok {
		t.Fatal("expected no message")
	}
}

func TestMailBox_SendContextCancelled(t *testing.T) {
	mb := NewMailBox()
	mb.Send(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mb.SendContext(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCapability_Narrowing(t *testing.T) {
	q := NewFifoQueue()

	s := q.SendOnly()
	if _, ok := s.(domain.Receiver); ok {
		t.Error("send-only capability must not expose Receive")
	}
	r := q.ReceiveOnly()
	if _, ok := r.(domain.Sender); ok {
		t.Error("receive-only capability must not expose Send")
	}

	if err := s.Send("through"); err != nil {
		t.Fatal(err)
	}
	msg, err := r.Receive(context.Background())
	if err != nil || msg != "through" {
		t.Errorf("expected through, got %v, %v", msg, err)
	}

	if SendOnly(s) != s {
		t.Error("narrowing twice should not re-wrap")
	}
}
