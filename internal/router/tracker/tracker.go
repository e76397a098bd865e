// Package tracker implements the process-wide in-flight message tracker:
// a map from pipeline key to the callback needed to ack/nack a message back
// to its source queue, with duplicate detection.
package tracker

import (
	"sync"
	"time"

	"github.com/flowforge/router/internal/router/model"
)

// TrackedMessage is owned by the Tracker from Track until Remove or Clear.
type TrackedMessage struct {
	PipelineKey string
	Message     *model.MessagePointer
	Callback    model.MessageCallback
	QueueName   string

	// TrackedAt is when Track inserted this entry. Used by callers that
	// need to detect stale or long-running in-flight messages.
	TrackedAt time.Time
}

// TrackResult is returned by Track: either the message was newly tracked,
// or it is a duplicate of an already-tracked message.
type TrackResult struct {
	Tracked   bool
	Duplicate bool

	// PipelineKey is the key under which the message ended up tracked
	// (Tracked case) or the key of the pre-existing entry (Duplicate case).
	PipelineKey string

	// IsRequeue is true when the duplicate was detected via the
	// application id (same id, different pipeline key) rather than an
	// exact pipeline-key collision — i.e. the source queue redelivered the
	// message under a new broker id.
	IsRequeue bool
}

// Tracker is a thread-safe, process-wide map of PipelineKey -> TrackedMessage.
type Tracker struct {
	byKey   sync.Map // map[string]*TrackedMessage
	byAppID sync.Map // map[string]string (application id -> pipeline key)
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Track records a message as in-flight under its PipelineKey. If a message
// is already tracked under that key, or the same application id is already
// tracked under a different key, Track returns a Duplicate result instead
// of displacing the existing entry.
func (t *Tracker) Track(msg *model.MessagePointer, cb model.MessageCallback, queueName string) TrackResult {
	key := msg.PipelineKey()

	if existingKey, ok := t.byAppID.Load(msg.ID); ok {
		if existingKey.(string) != key {
			return TrackResult{Duplicate: true, PipelineKey: existingKey.(string), IsRequeue: true}
		}
	}

	entry := &TrackedMessage{
		PipelineKey: key,
		Message:     msg,
		Callback:    cb,
		QueueName:   queueName,
		TrackedAt:   time.Now(),
	}

	if _, loaded := t.byKey.LoadOrStore(key, entry); loaded {
		return TrackResult{Duplicate: true, PipelineKey: key}
	}

	t.byAppID.Store(msg.ID, key)
	return TrackResult{Tracked: true, PipelineKey: key}
}

// Remove atomically takes and removes the entry for pipelineKey. Idempotent:
// calling it again (or for an unknown key) returns ok=false.
func (t *Tracker) Remove(pipelineKey string) (*TrackedMessage, bool) {
	value, ok := t.byKey.LoadAndDelete(pipelineKey)
	if !ok {
		return nil, false
	}
	entry := value.(*TrackedMessage)
	t.byAppID.CompareAndDelete(entry.Message.ID, pipelineKey)
	return entry, true
}

// Get returns the tracked entry for pipelineKey, if any.
func (t *Tracker) Get(pipelineKey string) (*TrackedMessage, bool) {
	value, ok := t.byKey.Load(pipelineKey)
	if !ok {
		return nil, false
	}
	return value.(*TrackedMessage), true
}

// GetCallback returns the callback tracked for pipelineKey, if any.
func (t *Tracker) GetCallback(pipelineKey string) (model.MessageCallback, bool) {
	entry, ok := t.Get(pipelineKey)
	if !ok {
		return nil, false
	}
	return entry.Callback, true
}

// GetMessage returns the message pointer tracked for pipelineKey, if any.
func (t *Tracker) GetMessage(pipelineKey string) (*model.MessagePointer, bool) {
	entry, ok := t.Get(pipelineKey)
	if !ok {
		return nil, false
	}
	return entry.Message, true
}

// IsInFlight reports whether an application id currently has a tracked
// pipeline key.
func (t *Tracker) IsInFlight(applicationID string) bool {
	_, ok := t.byAppID.Load(applicationID)
	return ok
}

// UpdateCallback replaces the callback for an already-tracked pipeline key.
// Returns false if no entry exists for that key.
func (t *Tracker) UpdateCallback(pipelineKey string, cb model.MessageCallback) bool {
	value, ok := t.byKey.Load(pipelineKey)
	if !ok {
		return false
	}
	entry := value.(*TrackedMessage)
	updated := &TrackedMessage{
		PipelineKey: entry.PipelineKey,
		Message:     entry.Message,
		Callback:    cb,
		QueueName:   entry.QueueName,
		TrackedAt:   entry.TrackedAt,
	}
	t.byKey.Store(pipelineKey, updated)
	return true
}

// Range calls fn for every tracked entry, in no particular order. fn may
// return false to stop early. Safe for concurrent Track/Remove calls, with
// the same weak consistency guarantees as sync.Map.Range.
func (t *Tracker) Range(fn func(entry *TrackedMessage) bool) {
	t.byKey.Range(func(_, value any) bool {
		return fn(value.(*TrackedMessage))
	})
}

// Clear drains and returns every tracked entry. Used on shutdown.
func (t *Tracker) Clear() []TrackedMessage {
	var drained []TrackedMessage
	t.byKey.Range(func(key, value any) bool {
		entry := value.(*TrackedMessage)
		drained = append(drained, *entry)
		t.byKey.Delete(key)
		t.byAppID.CompareAndDelete(entry.Message.ID, entry.PipelineKey)
		return true
	})
	return drained
}

// Size returns the current number of tracked entries. Snapshot-consistent
// for counting purposes, not strictly linearizable.
func (t *Tracker) Size() int {
	count := 0
	t.byKey.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
