package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ===== Command Queue Tests

func TestQueueSendWithoutReply(t *testing.T) {
	var mu sync.Mutex
	var writes [][]byte

	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, payload)
		return nil
	}, nil)
	defer q.Close()

	reply, err := q.Send(context.Background(), []byte{0x55, 0x01}, false, time.Second)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply != nil {
		t.Errorf("Send() reply = %v, want nil", reply)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 1 {
		t.Fatalf("Expected 1 write, got %d", len(writes))
	}
	if writes[0][0] != 0x55 || writes[0][1] != 0x01 {
		t.Errorf("Written payload = %v, want [0x55 0x01]", writes[0])
	}

	stats := q.Stats()
	if stats.CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1", stats.CommandsSent)
	}
	if stats.RepliesReceived != 0 {
		t.Errorf("RepliesReceived = %d, want 0", stats.RepliesReceived)
	}
}

func TestQueueSendWithReply(t *testing.T) {
	var q *CommandQueue
	q = NewCommandQueue(func(ctx context.Context, payload []byte) error {
		// The peripheral answers as soon as the request lands.
		q.HandleNotification([]byte{0xAA, 0x06, 0x01})
		return nil
	}, nil)
	defer q.Close()

	reply, err := q.Send(context.Background(), []byte{0x55, 0x06}, true, time.Second)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(reply) != 3 || reply[0] != 0xAA {
		t.Errorf("Send() reply = %v, want [0xAA 0x06 0x01]", reply)
	}

	stats := q.Stats()
	if stats.RepliesReceived != 1 {
		t.Errorf("RepliesReceived = %d, want 1", stats.RepliesReceived)
	}
}

func TestQueueDrainsStaleNotifications(t *testing.T) {
	var q *CommandQueue
	q = NewCommandQueue(func(ctx context.Context, payload []byte) error {
		q.HandleNotification([]byte{0xAA, 0xFF})
		return nil
	}, nil)
	defer q.Close()

	// Notifications from before the command are stale replies and must
	// not be matched to it.
	q.HandleNotification([]byte{0x01})
	q.HandleNotification([]byte{0x02})

	reply, err := q.Send(context.Background(), []byte{0x55}, true, time.Second)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(reply) != 2 || reply[0] != 0xAA || reply[1] != 0xFF {
		t.Errorf("Send() reply = %v, want [0xAA 0xFF]", reply)
	}
}

func TestQueueReplyTimeout(t *testing.T) {
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)
	defer q.Close()

	_, err := q.Send(context.Background(), []byte{0x55}, true, 20*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Send() error = %v, want ErrCommandTimeout", err)
	}

	stats := q.Stats()
	if stats.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestQueueTransmitError(t *testing.T) {
	boom := errors.New("write rejected")
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return boom
	}, nil)
	defer q.Close()

	_, err := q.Send(context.Background(), []byte{0x55}, false, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v, want %v", err, boom)
	}

	stats := q.Stats()
	if stats.CommandsSent != 0 {
		t.Errorf("CommandsSent = %d, want 0", stats.CommandsSent)
	}
}

func TestQueueSendAfterClose(t *testing.T) {
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)
	q.Close()

	_, err := q.Send(context.Background(), []byte{0x55}, false, time.Second)
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Send() error = %v, want ErrQueueClosed", err)
	}
}

func TestQueueCloseResolvesInFlight(t *testing.T) {
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)

	done := make(chan error, 1)
	go func() {
		// Waits for a reply that never comes.
		_, err := q.Send(context.Background(), []byte{0x55}, true, 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Send() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}
}

func TestQueueCallerAbandonsWait(t *testing.T) {
	release := make(chan struct{})
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	}, nil)
	defer q.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Send(ctx, []byte{0x55}, true, 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Send() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after context cancellation")
	}
}

func TestQueueNotificationOverflow(t *testing.T) {
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)
	defer q.Close()

	for i := 0; i < notificationBufferSize+3; i++ {
		q.HandleNotification([]byte{byte(i)})
	}

	stats := q.Stats()
	if stats.NotificationsDropped != 3 {
		t.Errorf("NotificationsDropped = %d, want 3", stats.NotificationsDropped)
	}
}

func TestQueueSerializesCommands(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}, nil)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Send(context.Background(), []byte{0x55}, false, time.Second); err != nil {
				t.Errorf("Send() error: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("Max concurrent transmits = %d, want 1", maxInFlight)
	}
}

func TestQueueCloseIdempotent(t *testing.T) {
	q := NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return nil
	}, nil)
	q.Close()
	q.Close()
}
