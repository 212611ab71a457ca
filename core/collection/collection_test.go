package collection

import (
	"context"
	"testing"
	"time"

	"github.com/leofalp/flux/core/index"
)

type widget struct {
	ID    string
	Color string
}

func getKey(w widget) string { return w.ID }

func TestApplyInsertUpdateDeleteMutatesValues(t *testing.T) {
	c := New[string, widget](getKey)

	if err := c.Apply([]Change[string, widget]{
		{Type: Insert, Key: "w1", Value: widget{ID: "w1", Color: "red"}},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !c.Has("w1") || c.Size() != 1 {
		t.Fatalf("expected w1 present, size 1, got size %d", c.Size())
	}

	if err := c.Apply([]Change[string, widget]{
		{Type: Update, Key: "w1", Value: widget{ID: "w1", Color: "blue"}, PreviousValue: widget{ID: "w1", Color: "red"}, HasPrevious: true},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, _ := c.Get("w1")
	if v.Color != "blue" {
		t.Fatalf("got color %q, want blue", v.Color)
	}

	if err := c.Apply([]Change[string, widget]{{Type: Delete, Key: "w1", Value: v}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c.Has("w1") || c.Size() != 0 {
		t.Fatalf("expected w1 gone, size 0, got size %d", c.Size())
	}
}

func TestApplyRejectsInsertOfExistingKey(t *testing.T) {
	c := New[string, widget](getKey)
	_ = c.Apply([]Change[string, widget]{{Type: Insert, Key: "w1", Value: widget{ID: "w1"}}})
	err := c.Apply([]Change[string, widget]{{Type: Insert, Key: "w1", Value: widget{ID: "w1"}}})
	if err == nil {
		t.Fatal("expected error inserting an already-present key")
	}
}

func TestSubscribeChangesDeliversFilteredBatch(t *testing.T) {
	c := New[string, widget](getKey)
	var gotRed, gotAll int
	unsubRed := c.SubscribeChanges(func(batch []Change[string, widget]) {
		gotRed += len(batch)
	}, SubscribeOptions[widget]{Where: func(w widget) bool { return w.Color == "red" }})
	_ = c.SubscribeChanges(func(batch []Change[string, widget]) {
		gotAll += len(batch)
	}, SubscribeOptions[widget]{})

	_ = c.Apply([]Change[string, widget]{
		{Type: Insert, Key: "w1", Value: widget{ID: "w1", Color: "red"}},
		{Type: Insert, Key: "w2", Value: widget{ID: "w2", Color: "blue"}},
	})

	if gotRed != 1 {
		t.Errorf("got %d red changes, want 1", gotRed)
	}
	if gotAll != 2 {
		t.Errorf("got %d unfiltered changes, want 2", gotAll)
	}

	unsubRed()
	_ = c.Apply([]Change[string, widget]{{Type: Insert, Key: "w3", Value: widget{ID: "w3", Color: "red"}}})
	if gotRed != 1 {
		t.Errorf("unsubscribed listener should not have received more, got %d", gotRed)
	}
}

func TestSubscribeChangesIncludeInitialState(t *testing.T) {
	c := New[string, widget](getKey)
	_ = c.Apply([]Change[string, widget]{{Type: Insert, Key: "w1", Value: widget{ID: "w1", Color: "red"}}})

	var initial []Change[string, widget]
	_ = c.SubscribeChanges(func(batch []Change[string, widget]) {
		initial = batch
	}, SubscribeOptions[widget]{IncludeInitialState: true})

	if len(initial) != 1 || initial[0].Type != Insert || initial[0].Key != "w1" {
		t.Fatalf("expected one initial insert change for w1, got %+v", initial)
	}
}

func TestStatusTransitionsFollowStateMachine(t *testing.T) {
	c := New[string, widget](getKey)
	if c.Status() != StatusIdle {
		t.Fatalf("got initial status %q, want idle", c.Status())
	}
	if err := c.SetStatus(StatusLoading); err != nil {
		t.Fatalf("idle->loading: %v", err)
	}
	if err := c.SetStatus(StatusReady); err == nil {
		t.Fatal("loading->ready directly should be rejected")
	}
	if err := c.SetStatus(StatusInitialCommit); err != nil {
		t.Fatalf("loading->initialCommit: %v", err)
	}
	if err := c.SetStatus(StatusReady); err != nil {
		t.Fatalf("initialCommit->ready: %v", err)
	}
}

func TestStatusChangeFiresListeners(t *testing.T) {
	c := New[string, widget](getKey)
	var generic, specific int
	c.On(EventStatusChange, func(payload any) { generic++ })
	c.On(statusEvent(StatusLoading), func(payload any) { specific++ })

	_ = c.SetStatus(StatusLoading)
	if generic != 1 || specific != 1 {
		t.Fatalf("got generic=%d specific=%d, want 1,1", generic, specific)
	}
}

func TestWaitForBlocksUntilEventFires(t *testing.T) {
	c := New[string, widget](getKey)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan any, 1)
	go func() {
		payload, err := c.WaitFor(ctx, EventStatusChange)
		if err != nil {
			t.Errorf("WaitFor: %v", err)
		}
		done <- payload
	}()

	time.Sleep(10 * time.Millisecond)
	_ = c.SetStatus(StatusLoading)

	select {
	case payload := <-done:
		if payload != StatusLoading {
			t.Fatalf("got payload %v, want %v", payload, StatusLoading)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for status:change")
	}
}

func TestTruncateEmitsDeletesThenInserts(t *testing.T) {
	c := New[string, widget](getKey)
	_ = c.Apply([]Change[string, widget]{
		{Type: Insert, Key: "w1", Value: widget{ID: "w1", Color: "red"}},
		{Type: Insert, Key: "w2", Value: widget{ID: "w2", Color: "blue"}},
	})

	var batch []Change[string, widget]
	c.SubscribeChanges(func(b []Change[string, widget]) { batch = b }, SubscribeOptions[widget]{})

	if err := c.Truncate([]widget{{ID: "w3", Color: "green"}}); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("got %d changes, want 2 deletes + 1 insert", len(batch))
	}
	for i := 0; i < 2; i++ {
		if batch[i].Type != Delete {
			t.Errorf("batch[%d].Type = %v, want Delete", i, batch[i].Type)
		}
	}
	if batch[2].Type != Insert || batch[2].Key != "w3" {
		t.Fatalf("batch[2] = %+v, want Insert w3", batch[2])
	}
	if !c.Has("w3") || c.Has("w1") || c.Has("w2") {
		t.Fatalf("expected only w3 present after truncate")
	}
}

func TestAddIndexBackfillsExistingRowsAndFiresEvent(t *testing.T) {
	c := New[string, widget](getKey)
	_ = c.Apply([]Change[string, widget]{{Type: Insert, Key: "w1", Value: widget{ID: "w1", Color: "red"}}})

	var signature any
	c.On(EventIndexAdded, func(payload any) { signature = payload })

	ix := index.New[string, widget]("color", func(w widget) any { return w.Color })
	if err := c.AddIndex("color", ix); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	if signature == nil {
		t.Fatal("expected index:added to fire with a signature")
	}

	got, err := ix.RangeLookup(index.Expr{Op: index.Eq, Value: "red"})
	if err != nil {
		t.Fatalf("RangeLookup: %v", err)
	}
	if !got["w1"] {
		t.Fatalf("expected backfilled index to know about w1, got %v", got)
	}
}

func TestUnsubscribeAllSchedulesCleanupFromReady(t *testing.T) {
	c := New[string, widget](getKey, WithGCTime(10*time.Millisecond))
	_ = c.SetStatus(StatusLoading)
	_ = c.SetStatus(StatusInitialCommit)
	_ = c.SetStatus(StatusReady)

	unsub := c.SubscribeChanges(func([]Change[string, widget]) {}, SubscribeOptions[widget]{})
	unsub()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.Status() == StatusCleanedUp {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected status to reach cleanedUp after gcTime, got %q", c.Status())
}
