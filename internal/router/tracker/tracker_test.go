package tracker

import (
	"sync"
	"testing"

	"github.com/flowforge/router/internal/router/model"
)

type nopCallback struct{}

func (nopCallback) Ack(*model.MessagePointer)  {}
func (nopCallback) Nack(*model.MessagePointer) {}

var _ model.MessageCallback = nopCallback{}

func TestTrackNew(t *testing.T) {
	tr := New()

	msg := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	result := tr.Track(msg, nopCallback{}, "queue-a")

	if !result.Tracked || result.Duplicate {
		t.Errorf("expected Tracked=true Duplicate=false, got %+v", result)
	}
	if result.PipelineKey != msg.PipelineKey() {
		t.Errorf("expected pipeline key %q, got %q", msg.PipelineKey(), result.PipelineKey)
	}
	if tr.Size() != 1 {
		t.Errorf("expected size 1, got %d", tr.Size())
	}
}

func TestTrackSamePipelineKeyIsDuplicate(t *testing.T) {
	tr := New()

	msg := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	tr.Track(msg, nopCallback{}, "queue-a")

	result := tr.Track(msg, nopCallback{}, "queue-a")
	if result.Tracked || !result.Duplicate {
		t.Errorf("expected second Track to report a duplicate, got %+v", result)
	}
	if result.IsRequeue {
		t.Error("exact pipeline key collision should not be classified as a requeue")
	}
}

func TestTrackSameAppIDDifferentPipelineKeyIsRequeue(t *testing.T) {
	tr := New()

	first := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	tr.Track(first, nopCallback{}, "queue-a")

	redelivered := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g2", ExternalMessageID: "broker-2"}
	result := tr.Track(redelivered, nopCallback{}, "queue-a")

	if !result.Duplicate || !result.IsRequeue {
		t.Errorf("expected a requeue duplicate, got %+v", result)
	}
	if result.PipelineKey != first.PipelineKey() {
		t.Errorf("expected requeue to report original pipeline key %q, got %q", first.PipelineKey(), result.PipelineKey)
	}
}

func TestRemove(t *testing.T) {
	tr := New()

	msg := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	result := tr.Track(msg, nopCallback{}, "queue-a")

	entry, ok := tr.Remove(result.PipelineKey)
	if !ok {
		t.Fatal("expected Remove to find the entry")
	}
	if entry.Message.ID != "msg-1" {
		t.Errorf("expected removed entry for msg-1, got %s", entry.Message.ID)
	}
	if tr.Size() != 0 {
		t.Errorf("expected size 0 after remove, got %d", tr.Size())
	}

	if _, ok := tr.Remove(result.PipelineKey); ok {
		t.Error("second Remove of the same key should return ok=false")
	}

	if tr.IsInFlight("msg-1") {
		t.Error("app id should no longer be in flight after Remove")
	}
}

func TestGetCallbackAndGetMessage(t *testing.T) {
	tr := New()
	cb := nopCallback{}
	msg := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	result := tr.Track(msg, cb, "queue-a")

	if got, ok := tr.GetCallback(result.PipelineKey); !ok || got != cb {
		t.Error("expected GetCallback to return the tracked callback")
	}
	if got, ok := tr.GetMessage(result.PipelineKey); !ok || got != msg {
		t.Error("expected GetMessage to return the tracked message")
	}

	if _, ok := tr.GetCallback("missing"); ok {
		t.Error("expected GetCallback to report not-found for an untracked key")
	}
}

func TestUpdateCallback(t *testing.T) {
	tr := New()
	msg := &model.MessagePointer{ID: "msg-1", MessageGroupID: "g1"}
	result := tr.Track(msg, nopCallback{}, "queue-a")

	newCB := nopCallback{}
	if !tr.UpdateCallback(result.PipelineKey, newCB) {
		t.Error("expected UpdateCallback to succeed for a tracked key")
	}

	if tr.UpdateCallback("missing", newCB) {
		t.Error("expected UpdateCallback to fail for an untracked key")
	}

	entry, _ := tr.Get(result.PipelineKey)
	if entry.Callback != newCB {
		t.Error("expected callback to be replaced")
	}
	if entry.TrackedAt.IsZero() {
		t.Error("expected TrackedAt to be preserved across update")
	}
}

func TestRange(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		tr.Track(&model.MessagePointer{ID: string(rune('a' + i)), MessageGroupID: "g1"}, nopCallback{}, "queue-a")
	}

	seen := map[string]bool{}
	tr.Range(func(entry *TrackedMessage) bool {
		seen[entry.Message.ID] = true
		return true
	})

	if len(seen) != 3 {
		t.Errorf("expected Range to visit 3 entries, saw %d", len(seen))
	}
}

func TestClear(t *testing.T) {
	tr := New()
	for i := 0; i < 5; i++ {
		tr.Track(&model.MessagePointer{ID: string(rune('a' + i)), MessageGroupID: "g1"}, nopCallback{}, "queue-a")
	}

	drained := tr.Clear()
	if len(drained) != 5 {
		t.Errorf("expected 5 drained entries, got %d", len(drained))
	}
	if tr.Size() != 0 {
		t.Errorf("expected size 0 after Clear, got %d", tr.Size())
	}
	if tr.IsInFlight("a") {
		t.Error("app ids should no longer be in flight after Clear")
	}
}

func TestConcurrentTrackAndRemove(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('A' + n%26))
			msg := &model.MessagePointer{ID: id, MessageGroupID: id, BatchID: string(rune(n))}
			result := tr.Track(msg, nopCallback{}, "queue-a")
			if result.Tracked {
				tr.Remove(result.PipelineKey)
			}
		}(i)
	}
	wg.Wait()
}
