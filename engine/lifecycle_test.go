package engine

import (
	"context"
	"testing"
	"time"
)

func TestManager_Create_ReplacesExisting(t *testing.T) {
	m := NewManager(testConfig(), testLogger())

	first := m.Create("sess-1")
	second := m.Create("sess-1")

	if first.IsActive() {
		t.Error("expected the superseded session to be deactivated")
	}
	got, ok := m.Get("sess-1")
	if !ok || got != second {
		t.Error("expected Get to return the replacement session")
	}
}

func TestManager_Initiate_EmitsOpeningSequenceInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.TeardownStepPause = time.Millisecond
	m := NewManager(cfg, testLogger())
	s := m.Create("sess-1")

	m.Initiate(context.Background(), s, nil)

	want := []EventKind{
		EventSessionStart,
		EventPromptStart,
		EventContentStart, EventTextInput, EventContentEnd,
		EventContentStart, EventAudioInput,
	}
	for i, k := range want {
		ev, ok := s.Queue.pop()
		if !ok {
			t.Fatalf("queue exhausted at step %d, expected %q", i, k)
		}
		if ev.Kind != k {
			t.Fatalf("step %d: expected %q, got %q", i, k, ev.Kind)
		}
	}
	if !s.PromptStartSent() || !s.AudioContentStartSent() {
		t.Error("expected prompt and audio content-start flags to be set")
	}
}

func TestManager_StreamAudio_RejectsInactiveSession(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	s := m.Create("sess-1")
	s.Deactivate()

	if err := m.StreamAudio(s, []byte("pcm")); err == nil {
		t.Error("expected StreamAudio to reject an inactive session")
	}
}

func TestManager_StreamAudio_EnqueuesChunk(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	s := m.Create("sess-1")

	if err := m.StreamAudio(s, []byte("pcm")); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	ev, ok := s.Queue.pop()
	if !ok || ev.Kind != EventAudioInput {
		t.Fatalf("expected an audioInput event enqueued, got %+v ok=%v", ev, ok)
	}
	if !s.HasSentAudio(s.AudioContentID) {
		t.Error("expected audio-sent marker set for the audio content block")
	}
}

func TestManager_Teardown_ClosesOpenContentAndPrompts(t *testing.T) {
	cfg := testConfig()
	cfg.TeardownStepPause = time.Millisecond
	m := NewManager(cfg, testLogger())
	s := m.Create("sess-1")

	s.OpenPrompt(s.PromptName)
	s.OpenContent(s.AudioContentID, s.PromptName)

	m.Teardown(context.Background(), s, "client_disconnect")

	if s.IsActive() {
		t.Error("expected the session to be inactive after teardown")
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Error("expected teardown to remove the session from the registry")
	}

	var kinds []EventKind
	for {
		ev, ok := s.Queue.pop()
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}

	foundAudio, foundContentEnd, foundPromptEnd, foundSessionEnd := false, false, false, false
	for _, k := range kinds {
		switch k {
		case EventAudioInput:
			foundAudio = true
		case EventContentEnd:
			foundContentEnd = true
		case EventPromptEnd:
			foundPromptEnd = true
		case EventSessionEnd:
			foundSessionEnd = true
		}
	}
	if !foundAudio {
		t.Error("expected teardown to seed a sentinel audio chunk for an unsent audio block")
	}
	if !foundContentEnd || !foundPromptEnd || !foundSessionEnd {
		t.Errorf("expected contentEnd, promptEnd and sessionEnd all enqueued, got %v", kinds)
	}
}

func TestManager_ForceClose_IsIdempotent(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	s := m.Create("sess-1")

	m.ForceClose(s, "idle_timeout")
	if s.IsActive() {
		t.Error("expected session inactive after ForceClose")
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Error("expected ForceClose to remove the session from the registry")
	}

	// A second call must no-op rather than panic or double-record.
	m.ForceClose(s, "idle_timeout")
}

func TestManager_SweepOnce_ForceClosesIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Millisecond
	m := NewManager(cfg, testLogger())
	s := m.Create("sess-1")

	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	m.sweepOnce(context.Background())

	if s.IsActive() {
		t.Error("expected the idle session to be force-closed by the sweep")
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Error("expected the sweep to remove the idle session from the registry")
	}
}

func TestManager_SweepOnce_LeavesActiveSessionsAlone(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	s := m.Create("sess-1")

	m.sweepOnce(context.Background())

	if !s.IsActive() {
		t.Error("expected a recently active session to survive the sweep")
	}
}
