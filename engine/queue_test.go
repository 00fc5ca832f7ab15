package engine

import (
	"context"
	"testing"
	"time"
)

func TestOutboundQueue_FIFOOrder(t *testing.T) {
	q := NewOutboundQueue(10)
	q.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{Content: "a"}})
	q.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{Content: "b"}})

	first, ok := q.pop()
	if !ok || first.Payload.(TextInputPayload).Content != "a" {
		t.Fatalf("expected first item 'a', got %+v ok=%v", first, ok)
	}
	second, ok := q.pop()
	if !ok || second.Payload.(TextInputPayload).Content != "b" {
		t.Fatalf("expected second item 'b', got %+v ok=%v", second, ok)
	}
}

func TestOutboundQueue_DropsOldestAudioAtBound(t *testing.T) {
	q := NewOutboundQueue(2)
	q.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{Content: "chunk1"}})
	q.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{Content: "chunk2"}})
	q.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{Content: "chunk3"}})

	if d := q.Depth(); d != 2 {
		t.Fatalf("expected depth 2 after dropping oldest, got %d", d)
	}
	head, ok := q.pop()
	if !ok || head.Payload.(AudioInputPayload).Content != "chunk2" {
		t.Fatalf("expected oldest audio dropped, head should be chunk2, got %+v", head)
	}
}

func TestOutboundQueue_NonAudioNeverDropped(t *testing.T) {
	q := NewOutboundQueue(1)
	q.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{Content: "a"}})
	q.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{Content: "b"}})

	if d := q.Depth(); d != 2 {
		t.Fatalf("expected non-audio events to grow past the bound, got depth %d", d)
	}
}

func TestOutboundQueue_NextBlocksThenDelivers(t *testing.T) {
	q := NewOutboundQueue(10)
	closeSignal := make(chan struct{})

	result := make(chan OutboundEvent, 1)
	go func() {
		ev, ok := q.Next(context.Background(), closeSignal, time.Second, nil, nil)
		if ok {
			result <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{Content: "late"}})

	select {
	case ev := <-result:
		if ev.Payload.(TextInputPayload).Content != "late" {
			t.Errorf("unexpected payload: %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not deliver the enqueued event in time")
	}
}

func TestOutboundQueue_NextEndsOnCloseSignal(t *testing.T) {
	q := NewOutboundQueue(10)
	closeSignal := make(chan struct{})
	close(closeSignal)

	_, ok := q.Next(context.Background(), closeSignal, time.Second, nil, nil)
	if ok {
		t.Error("expected Next to end the sequence once closeSignal has fired")
	}
}

func TestOutboundQueue_NextReseedsOnEmptyTimeout(t *testing.T) {
	q := NewOutboundQueue(10)
	closeSignal := make(chan struct{})
	reseeded := false

	seed := func() OutboundEvent {
		return OutboundEvent{Kind: EventSessionStart, Payload: SessionStartPayload{}}
	}
	onReseed := func() { reseeded = true }

	result := make(chan OutboundEvent, 1)
	go func() {
		ev, ok := q.Next(context.Background(), closeSignal, 20*time.Millisecond, seed, onReseed)
		if ok {
			result <- ev
		}
	}()

	select {
	case ev := <-result:
		if ev.Kind != EventSessionStart {
			t.Errorf("expected reseeded sessionStart, got %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never reseeded an empty, never-produced queue")
	}
	if !reseeded {
		t.Error("expected onReseed to be called")
	}
}

func TestOutboundQueue_PeekDoesNotRemove(t *testing.T) {
	q := NewOutboundQueue(10)
	q.Enqueue(OutboundEvent{Kind: EventSessionStart, Payload: SessionStartPayload{}})

	head, ok := q.Peek()
	if !ok || head.Kind != EventSessionStart {
		t.Fatalf("unexpected peek result: %+v ok=%v", head, ok)
	}
	if q.Depth() != 1 {
		t.Errorf("expected Peek to leave the item queued, depth=%d", q.Depth())
	}
}
