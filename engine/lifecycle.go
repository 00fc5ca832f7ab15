package engine

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/speechbridge/gateway/obs"
)

// Manager wires the registry, remote stream driver, dispatcher, and tool
// invoker together and is the entry point the Gateway Bridge calls into
// for every client-visible operation.
type Manager struct {
	cfg        Config
	registry   *Registry
	driver     *StreamDriver
	dispatcher *Dispatcher
	tools      *ToolInvoker
	logger     *slog.Logger
}

// NewManager wires a complete Session Engine from cfg, which must already
// have ApplyDefaults called.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	tools := NewToolInvoker(cfg.ToolCallTimeout, logger)
	dispatcher := NewDispatcher(tools, logger)
	tools.SetDispatch(dispatcher.Dispatch)

	return &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		driver:     NewStreamDriver(cfg, logger),
		dispatcher: dispatcher,
		tools:      tools,
		logger:     logger,
	}
}

// NewSessionID mints an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func ptr[T any](v T) *T { return &v }

func toolCatalog() ToolConfiguration {
	const dateSchema = `{"type":"object","properties":{}}`
	const weatherSchema = `{"type":"object","properties":{"latitude":{"type":"string"},"longitude":{"type":"string"}},"required":["latitude","longitude"]}`
	return ToolConfiguration{Tools: []ToolSpecWrapper{
		{ToolSpec: ToolSpec{
			Name:        ToolGetDateAndTime,
			Description: "Returns the current date and time in America/Los_Angeles.",
			InputSchema: ToolInputSchema{JSON: dateSchema},
		}},
		{ToolSpec: ToolSpec{
			Name:        ToolGetWeather,
			Description: "Returns the current weather for a latitude/longitude pair.",
			InputSchema: ToolInputSchema{JSON: weatherSchema},
		}},
	}}
}

// Create allocates and registers a new session for id, replacing any
// existing record for the same id.
func (m *Manager) Create(id string) *Session {
	s := m.registry.Create(id, m.cfg)
	obs.RecordSessionStarted()
	return s
}

// Get returns the session registered under id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// Dispatcher exposes the shared dispatcher so the bridge can register
// per-session handlers before initiation.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Initiate emits the fixed opening sequence and starts the remote stream
// driver on its own goroutine. onDone is called exactly
// once when the driver loop exits, with the error (if any) that ended it;
// the caller is responsible for tearing the session down in response.
func (m *Manager) Initiate(ctx context.Context, s *Session, onDone func(err error)) {
	cfg := m.cfg

	s.Queue.Enqueue(OutboundEvent{Kind: EventSessionStart, Payload: SessionStartPayload{
		InferenceConfiguration: s.InferenceConfig(),
	}})
	time.Sleep(cfg.TeardownStepPause)

	s.Queue.Enqueue(OutboundEvent{Kind: EventPromptStart, Payload: PromptStartPayload{
		PromptName:                 s.PromptName,
		TextOutputConfiguration:    TextOutputConfig{MediaType: "text/plain"},
		AudioOutputConfiguration:   cfg.AudioOutputFormat(),
		ToolUseOutputConfiguration: ToolUseOutputConfig{MediaType: "application/json"},
		ToolConfiguration:          toolCatalog(),
	}})
	s.OpenPrompt(s.PromptName)
	s.MarkPromptStartSent()
	time.Sleep(cfg.TeardownStepPause)

	systemContentId := "system-" + uuid.NewString()
	s.OpenContent(systemContentId, s.PromptName)
	s.Queue.Enqueue(OutboundEvent{Kind: EventContentStart, Payload: ContentStartPayload{
		PromptName: s.PromptName, ContentName: systemContentId, Type: ContentTypeText,
		Interactive: false, Role: RoleSystem,
		TextInputConfiguration: &TextInputConfig{MediaType: "text/plain"},
	}})
	s.Queue.Enqueue(OutboundEvent{Kind: EventTextInput, Payload: TextInputPayload{
		PromptName: s.PromptName, ContentName: systemContentId, Content: s.SystemPrompt(),
	}})
	s.Queue.Enqueue(OutboundEvent{Kind: EventContentEnd, Payload: ContentEndPayload{
		PromptName: s.PromptName, ContentName: systemContentId,
	}})
	s.CloseContent(systemContentId)
	time.Sleep(cfg.TeardownStepPause)

	s.OpenContent(s.AudioContentID, s.PromptName)
	s.Queue.Enqueue(OutboundEvent{Kind: EventContentStart, Payload: ContentStartPayload{
		PromptName: s.PromptName, ContentName: s.AudioContentID, Type: ContentTypeAudio,
		Interactive: true, Role: RoleUser,
		AudioInputConfiguration: ptr(AudioInputFormat()),
	}})
	s.MarkAudioContentStartSent()

	s.Queue.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{
		PromptName: s.PromptName, ContentName: s.AudioContentID,
		Content: base64.StdEncoding.EncodeToString(make([]byte, 4)),
	}})
	s.MarkAudioSent(s.AudioContentID)

	go m.runDriver(ctx, s, onDone)
}

// runDriver drives the response loop for the life of the session. If the
// driver ended because of an error, it has already dispatched that error;
// runDriver dispatches the matching streamComplete right after it, so a
// failed session always produces error-then-streamComplete.
func (m *Manager) runDriver(ctx context.Context, s *Session, onDone func(err error)) {
	err := m.driver.Run(ctx, s, func(ev InboundEvent) {
		m.dispatcher.Dispatch(ctx, s, ev)
	})
	if err != nil && s.IsActive() {
		m.dispatcher.Dispatch(ctx, s, InboundEvent{Kind: EventStreamComplete})
	}
	if onDone != nil {
		onDone(err)
	}
}

// StreamAudio enqueues one chunk of raw PCM audio as an audioInput event.
func (m *Manager) StreamAudio(s *Session, chunk []byte) error {
	if !s.IsActive() {
		return ErrInvalidSession
	}
	s.Queue.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{
		PromptName:  s.PromptName,
		ContentName: s.AudioContentID,
		Content:     base64.StdEncoding.EncodeToString(chunk),
	}})
	s.MarkAudioSent(s.AudioContentID)
	s.Touch()
	return nil
}

// Teardown performs the ordered close: ensure every open audio content
// has seen at least one chunk, close every open content block, close
// every open prompt, then close the session, each step separated by a
// settling pause and driven from the session's live tracking structures
// rather than flag booleans. Teardown is best-effort: every step runs
// even though none of them can fail outright, and the session is
// unconditionally removed from the registry at the end.
func (m *Manager) Teardown(ctx context.Context, s *Session, reason string) {
	if !m.registry.BeginCleanup(s.ID) {
		return
	}
	defer m.registry.EndCleanup(s.ID)

	start := time.Now()

	// Holding the session's content lock across these two steps serializes
	// them against a tool invocation's own open-content-and-enqueue
	// critical section (see ToolInvoker.Invoke), so a contentEnd here can
	// never land ahead of a contentStart a tool call is still in the
	// middle of sending.
	s.LockContent()
	for contentId, promptId := range s.ActiveContentIDs() {
		if contentId == s.AudioContentID && !s.HasSentAudio(contentId) {
			s.Queue.Enqueue(OutboundEvent{Kind: EventAudioInput, Payload: AudioInputPayload{
				PromptName: promptId, ContentName: contentId,
				Content: base64.StdEncoding.EncodeToString(make([]byte, 4)),
			}})
			s.MarkAudioSent(contentId)
		}
	}
	time.Sleep(m.cfg.TeardownStepPause)

	for contentId, promptId := range s.ActiveContentIDs() {
		s.Queue.Enqueue(OutboundEvent{Kind: EventContentEnd, Payload: ContentEndPayload{
			PromptName: promptId, ContentName: contentId,
		}})
		s.CloseContent(contentId)
	}
	s.UnlockContent()
	time.Sleep(m.cfg.TeardownStepPause)

	for _, promptId := range s.ActivePromptIDs() {
		s.Queue.Enqueue(OutboundEvent{Kind: EventPromptEnd, Payload: PromptEndPayload{PromptName: promptId}})
		s.ClosePrompt(promptId)
	}
	time.Sleep(m.cfg.TeardownStepPause)

	s.Queue.Enqueue(OutboundEvent{Kind: EventSessionEnd, Payload: SessionEndPayload{}})
	s.Deactivate()
	m.registry.Remove(s.ID)

	obs.RecordSessionEnded(reason, float64(time.Since(start).Milliseconds()))
	m.logger.Info("session torn down", "session", s.ID, "reason", reason)
}

// TeardownWithBudget runs Teardown but escalates to ForceClose if it does
// not complete within cfg.TeardownBudget.
func (m *Manager) TeardownWithBudget(ctx context.Context, s *Session, reason string) {
	done := make(chan struct{})
	go func() {
		m.Teardown(ctx, s, reason)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.TeardownBudget):
		m.logger.Warn("ordered teardown exceeded budget, force-closing", "session", s.ID)
		m.ForceClose(s, "teardown_timeout")
	}
}

// ForceClose bypasses the ordered teardown steps, marking the session
// inactive, firing its closeSignal, and removing it from the registry.
// It is idempotent: the first caller to flip the session inactive does
// the work, every later call observes s.Deactivate() return false and
// no-ops. An ordered Teardown already in flight is not stopped by it: that
// Teardown finishes its steps and also removes the session and records
// its end.
func (m *Manager) ForceClose(s *Session, reason string) {
	if !s.Deactivate() {
		return
	}
	m.registry.Remove(s.ID)
	obs.RecordSessionEnded(reason, 0)
	m.logger.Info("session force-closed", "session", s.ID, "reason", reason)
}

// StartSweeper launches the periodic idle-session sweep. It runs until
// ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := time.Now()
	for _, s := range m.registry.Snapshot() {
		if !s.IsActive() {
			continue
		}
		if now.Sub(s.LastActivity()) <= m.cfg.IdleTimeout {
			continue
		}
		m.logger.Info("idle session force-closed by sweeper", "session", s.ID)
		m.dispatcher.Dispatch(ctx, s, InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: "session closed: idle timeout"})})
		m.dispatcher.Dispatch(ctx, s, InboundEvent{Kind: EventStreamComplete})
		m.ForceClose(s, "idle_timeout")
	}
}
