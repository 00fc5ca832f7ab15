package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestToolInvoker_GetDateAndTime(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	result, err := inv.getDateAndTime()
	if err != nil {
		t.Fatalf("getDateAndTime: %v", err)
	}
	if result["timezone"] != "PST" {
		t.Errorf("expected timezone PST, got %v", result["timezone"])
	}
	weekday, ok := result["weekday"].(string)
	if !ok || weekday != strings.ToUpper(weekday) {
		t.Errorf("expected uppercase weekday, got %v", result["weekday"])
	}
	if _, ok := result["time"].(string); !ok {
		t.Error("expected a formatted time string")
	}
}

func TestToolInvoker_UnsupportedTool(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	_, err := inv.run(context.Background(), "notARealTool", "{}")
	if err == nil {
		t.Fatal("expected an error for an unsupported tool name")
	}
}

func TestToolInvoker_Invoke_EnqueuesToolContentBlock(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	s := NewSession("sess-1", testConfig())
	s.OpenPrompt(s.PromptName)

	var mu sync.Mutex
	var dispatched []InboundEvent
	inv.SetDispatch(func(_ context.Context, _ *Session, ev InboundEvent) {
		mu.Lock()
		dispatched = append(dispatched, ev)
		mu.Unlock()
	})

	inv.Invoke(context.Background(), s, "tool-use-1", ToolGetDateAndTime, "{}")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Queue.Depth() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if depth := s.Queue.Depth(); depth < 3 {
		t.Fatalf("expected contentStart/toolResult/contentEnd enqueued, depth=%d", depth)
	}

	first, _ := s.Queue.pop()
	if first.Kind != EventContentStart {
		t.Errorf("expected first enqueued event to be contentStart, got %q", first.Kind)
	}
	second, _ := s.Queue.pop()
	if second.Kind != EventToolResult {
		t.Errorf("expected second enqueued event to be toolResult, got %q", second.Kind)
	}
	third, _ := s.Queue.pop()
	if third.Kind != EventContentEnd {
		t.Errorf("expected third enqueued event to be contentEnd, got %q", third.Kind)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range dispatched {
		if ev.Kind == EventToolResult {
			found = true
		}
	}
	if !found {
		t.Error("expected a synthetic toolResult event dispatched for the client-facing bridge")
	}
}

func TestToolInvoker_Invoke_SkippedWhenSessionInactive(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	s := NewSession("sess-1", testConfig())
	s.OpenPrompt(s.PromptName)
	s.Deactivate()

	var dispatched int
	var mu sync.Mutex
	inv.SetDispatch(func(_ context.Context, _ *Session, _ InboundEvent) {
		mu.Lock()
		dispatched++
		mu.Unlock()
	})

	inv.Invoke(context.Background(), s, "tool-use-1", ToolGetDateAndTime, "{}")
	time.Sleep(100 * time.Millisecond)

	if depth := s.Queue.Depth(); depth != 0 {
		t.Errorf("expected no frames enqueued for an inactive session, depth=%d", depth)
	}
	if _, open := s.ActiveContentIDs()["tool-tool-use-1"]; open {
		t.Error("expected no content block left open for an inactive session")
	}
	mu.Lock()
	defer mu.Unlock()
	if dispatched != 0 {
		t.Errorf("expected no synthetic toolResult dispatched, got %d", dispatched)
	}
}

func TestToolInvoker_Invoke_WaitsForTeardownContentLock(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	s := NewSession("sess-1", testConfig())
	s.OpenPrompt(s.PromptName)

	s.LockContent()
	inv.Invoke(context.Background(), s, "tool-use-1", ToolGetDateAndTime, "{}")

	time.Sleep(100 * time.Millisecond)
	if depth := s.Queue.Depth(); depth != 0 {
		t.Fatalf("expected the tool goroutine to block behind the held content lock, depth=%d", depth)
	}
	s.UnlockContent()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Queue.Depth() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if depth := s.Queue.Depth(); depth < 3 {
		t.Fatalf("expected the tool goroutine to proceed once the lock was released, depth=%d", depth)
	}
}

func TestToolInvoker_GetWeather_RequiresCoordinates(t *testing.T) {
	inv := NewToolInvoker(time.Second, testLogger())
	_, err := inv.getWeather(context.Background(), "{}")
	if err == nil {
		t.Fatal("expected an error when latitude/longitude are missing")
	}
}
