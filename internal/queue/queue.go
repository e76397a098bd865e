// Package queue defines the adapter contract between the router and
// whatever broker or in-process transport actually carries dispatch
// messages. Concrete adapters (see memqueue) implement Queue; the router
// core only ever talks to these interfaces.
package queue

import (
	"context"
	"time"
)

// Message is a single delivery read off a queue.
type Message interface {
	ID() string
	Data() []byte
	Subject() string

	// MessageGroup orders this message relative to others sharing the same
	// group; an empty group means no ordering constraint.
	MessageGroup() string
	Metadata() map[string]string

	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error

	// InProgress extends the broker's visibility/lease deadline for a
	// message that is still being worked on.
	InProgress() error
}

// Publisher sends messages onto a queue.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error

	// PublishWithDeduplication sends a message whose delivery should be
	// deduplicated by deduplicationID at the broker, where supported.
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error

	Close() error
}

// Consumer reads messages from a queue, invoking handler for each one.
type Consumer interface {
	// Consume blocks until ctx is cancelled or the consumer hits an
	// unrecoverable error.
	Consume(ctx context.Context, handler func(Message) error) error
	Close() error
}

// Queue is a transport that can both publish and consume.
type Queue interface {
	Publisher
	Consumer
}

// MessageBuilder assembles the fields of an outbound message before
// handing it to a Publisher via PublishMessage.
type MessageBuilder struct {
	subject         string
	data            []byte
	messageGroup    string
	deduplicationID string
	metadata        map[string]string
}

// NewMessageBuilder starts building a message for subject.
func NewMessageBuilder(subject string) *MessageBuilder {
	return &MessageBuilder{
		subject:  subject,
		metadata: make(map[string]string),
	}
}

func (b *MessageBuilder) WithData(data []byte) *MessageBuilder {
	b.data = data
	return b
}

func (b *MessageBuilder) WithMessageGroup(group string) *MessageBuilder {
	b.messageGroup = group
	return b
}

func (b *MessageBuilder) WithDeduplicationID(id string) *MessageBuilder {
	b.deduplicationID = id
	return b
}

func (b *MessageBuilder) WithMetadata(key, value string) *MessageBuilder {
	b.metadata[key] = value
	return b
}

func (b *MessageBuilder) Subject() string             { return b.subject }
func (b *MessageBuilder) Data() []byte                { return b.data }
func (b *MessageBuilder) MessageGroup() string        { return b.messageGroup }
func (b *MessageBuilder) DeduplicationID() string     { return b.deduplicationID }
func (b *MessageBuilder) Metadata() map[string]string { return b.metadata }
