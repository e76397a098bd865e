// Package memqueue implements an in-process, channel-backed queue.Queue.
// It exists so the router binary and its integration tests have a concrete
// adapter to run against without depending on an external broker.
package memqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge/router/internal/queue"
)

// Queue is an in-memory, channel-backed implementation of queue.Queue.
// Nak and NakWithDelay redeliver the message by resubmitting it to the
// same channel (immediately, or after the requested delay).
type Queue struct {
	name     string
	messages chan *Message
	closed   chan struct{}
	once     sync.Once

	seq   uint64
	seqMu sync.Mutex
}

// New creates a Queue with the given subject name and channel buffer size.
func New(name string, bufferSize int) *Queue {
	return &Queue{
		name:     name,
		messages: make(chan *Message, bufferSize),
		closed:   make(chan struct{}),
	}
}

// Publish enqueues a message with no message group or deduplication id.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishWithGroup(ctx, subject, data, "")
}

// PublishWithGroup enqueues a message tagged with a message group.
func (q *Queue) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return q.enqueue(ctx, subject, data, messageGroup)
}

// PublishWithDeduplication enqueues a message; memqueue does not dedupe at
// the broker layer (the router's own in-flight tracker does), so the id is
// only used to seed the message's ID.
func (q *Queue) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	msg := q.newMessage(subject, data, "")
	if deduplicationID != "" {
		msg.id = deduplicationID
	}
	return q.push(ctx, msg)
}

// PublishMessage enqueues a message built with queue.MessageBuilder.
func (q *Queue) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := q.newMessage(builder.Subject(), builder.Data(), builder.MessageGroup())
	if builder.DeduplicationID() != "" {
		msg.id = builder.DeduplicationID()
	}
	for k, v := range builder.Metadata() {
		msg.metadata[k] = v
	}
	return q.push(ctx, msg)
}

func (q *Queue) enqueue(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return q.push(ctx, q.newMessage(subject, data, messageGroup))
}

func (q *Queue) newMessage(subject string, data []byte, messageGroup string) *Message {
	q.seqMu.Lock()
	q.seq++
	id := fmt.Sprintf("%s-%d", q.name, q.seq)
	q.seqMu.Unlock()

	return &Message{
		q:            q,
		id:           id,
		subject:      subject,
		data:         data,
		messageGroup: messageGroup,
		metadata:     make(map[string]string),
	}
}

func (q *Queue) push(ctx context.Context, msg *Message) error {
	select {
	case <-q.closed:
		return fmt.Errorf("memqueue %s: closed", q.name)
	default:
	}

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return fmt.Errorf("memqueue %s: closed", q.name)
	}
}

// Consume starts delivering messages to handler until ctx is cancelled or
// the queue is closed.
func (q *Queue) Consume(ctx context.Context, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case msg := <-q.messages:
			if err := handler(msg); err != nil {
				slog.Error("memqueue handler error", "error", err, "queue", q.name, "messageId", msg.id)
			}
		}
	}
}

// Close stops the queue. Safe to call multiple times.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

var _ queue.Queue = (*Queue)(nil)

// Message is an in-memory queue.Message backed by its owning Queue.
type Message struct {
	q            *Queue
	id           string
	subject      string
	data         []byte
	messageGroup string
	metadata     map[string]string
}

func (m *Message) ID() string                  { return m.id }
func (m *Message) Data() []byte                { return m.data }
func (m *Message) Subject() string             { return m.subject }
func (m *Message) MessageGroup() string        { return m.messageGroup }
func (m *Message) Metadata() map[string]string { return m.metadata }

// Ack marks the message as processed. There is nothing further to do: a
// non-acked message only ever gets redelivered via Nak/NakWithDelay.
func (m *Message) Ack() error { return nil }

// Nak resubmits the message to its queue for immediate redelivery.
func (m *Message) Nak() error {
	return m.q.push(context.Background(), m)
}

// NakWithDelay resubmits the message for redelivery after delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return m.Nak()
	}
	time.AfterFunc(delay, func() {
		m.q.push(context.Background(), m)
	})
	return nil
}

// InProgress is a no-op: memqueue has no visibility timeout to extend.
func (m *Message) InProgress() error { return nil }

var _ queue.Message = (*Message)(nil)
