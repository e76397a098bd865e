package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/router/internal/queue"
)

func TestPublishAndConsume(t *testing.T) {
	q := New("test", 10)
	defer q.Close()

	if err := q.Publish(context.Background(), "subj", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := make(chan queue.Message, 1)
	go q.Consume(ctx, func(msg queue.Message) error {
		received <- msg
		cancel()
		return nil
	})

	select {
	case msg := <-received:
		if string(msg.Data()) != "hello" {
			t.Errorf("expected payload 'hello', got %q", msg.Data())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishWithGroup(t *testing.T) {
	q := New("test", 10)
	defer q.Close()

	q.PublishWithGroup(context.Background(), "subj", []byte("x"), "group-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go q.Consume(ctx, func(msg queue.Message) error {
		if msg.MessageGroup() != "group-a" {
			t.Errorf("expected message group 'group-a', got %q", msg.MessageGroup())
		}
		close(done)
		cancel()
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNakRedeliversMessage(t *testing.T) {
	q := New("test", 10)
	defer q.Close()

	q.Publish(context.Background(), "subj", []byte("retry-me"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	attempts := 0
	done := make(chan struct{})
	go q.Consume(ctx, func(msg queue.Message) error {
		attempts++
		if attempts == 1 {
			msg.Nak()
			return nil
		}
		close(done)
		cancel()
		return nil
	})

	select {
	case <-done:
		if attempts != 2 {
			t.Errorf("expected 2 delivery attempts, got %d", attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}

func TestNakWithDelayRedelivers(t *testing.T) {
	q := New("test", 10)
	defer q.Close()

	q.Publish(context.Background(), "subj", []byte("delayed"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	attempts := 0
	done := make(chan time.Duration)
	go q.Consume(ctx, func(msg queue.Message) error {
		attempts++
		if attempts == 1 {
			msg.NakWithDelay(50 * time.Millisecond)
			return nil
		}
		done <- time.Since(start)
		cancel()
		return nil
	})

	select {
	case elapsed := <-done:
		if elapsed < 50*time.Millisecond {
			t.Errorf("expected redelivery to wait at least 50ms, took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed redelivery")
	}
}

func TestCloseStopsConsume(t *testing.T) {
	q := New("test", 10)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), func(queue.Message) error { return nil })
	}()

	q.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected Consume to return nil on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	q := New("test", 10)
	q.Close()

	if err := q.Publish(context.Background(), "subj", []byte("x")); err == nil {
		t.Error("expected Publish to fail after Close")
	}
}
