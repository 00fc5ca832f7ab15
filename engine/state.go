package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionHandler reacts to one decoded inbound event for a session.
// Events from the driver's response loop reach handlers one at a time;
// events dispatched by the tool invoker or the idle sweeper run on their
// own goroutines and can reach handlers concurrently with them. A handler
// that panics is recovered and never interrupts the response loop (see
// Dispatcher.Dispatch).
type SessionHandler func(ctx context.Context, s *Session, ev InboundEvent)

// Session is the mutable per-conversation record. The tracking sets,
// progress flags, tool-use scratch fields, inference config and system
// prompt are guarded by mu; handlers are guarded by handlersMu and the
// Queue locks itself. isActive and lastActivity use atomics so hot paths (streamAudio, teardown checks) can
// read them without taking the lock.
type Session struct {
	ID             string
	PromptName     string
	AudioContentID string

	Queue *OutboundQueue

	mu               sync.Mutex
	activePromptIds  map[string]struct{}
	activeContentIds map[string]string // contentId -> promptId

	// contentMu serializes "open a content block and enqueue its frames"
	// as one critical section against teardown's own content-closing
	// step, so the two can never interleave a contentEnd ahead of its
	// matching contentStart. Tool invocations take it around their
	// content-block lifecycle; ordered teardown takes it around the
	// steps that touch activeContentIds.
	contentMu sync.Mutex

	isPromptStartSent       bool
	isAudioContentStartSent bool
	sentAudioForContent     map[string]bool

	toolUseContent string
	toolUseId      string
	toolName       string

	inferenceConfig    InferenceConfig
	customSystemPrompt string

	handlersMu sync.Mutex
	handlers   map[EventKind]SessionHandler

	isActive     atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds

	closeOnce   sync.Once
	closeSignal chan struct{}

	createdAt time.Time
}

// NewSession allocates a Session record with a fresh promptName and
// audioContentId. The session starts active with an empty tracking state
// and no handlers registered.
func NewSession(id string, cfg Config) *Session {
	s := &Session{
		ID:                  id,
		PromptName:           "prompt-" + uuid.NewString(),
		AudioContentID:       "audio-" + uuid.NewString(),
		Queue:                NewOutboundQueue(cfg.QueueBound),
		activePromptIds:      make(map[string]struct{}),
		activeContentIds:     make(map[string]string),
		sentAudioForContent:  make(map[string]bool),
		handlers:             make(map[EventKind]SessionHandler),
		inferenceConfig:      cfg.Inference,
		customSystemPrompt:   cfg.DefaultSystemPrompt,
		closeSignal:          make(chan struct{}),
		createdAt:            time.Now(),
	}
	s.isActive.Store(true)
	s.Touch()
	return s
}

// Touch records activity now. The remote stream driver calls it for every
// inbound frame, Dispatch for every dispatched event, and StreamAudio for
// every audio chunk it enqueues; the opening sequence, teardown and tool
// results are enqueued without calling it.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last-recorded activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IsActive reports whether the session has not yet been deactivated.
func (s *Session) IsActive() bool {
	return s.isActive.Load()
}

// LockContent and UnlockContent bracket a critical section that touches a
// content block's lifecycle (open, enqueue its frames, close) so it can't
// interleave with another goroutine doing the same for teardown's
// content-closing step.
func (s *Session) LockContent() {
	s.contentMu.Lock()
}

func (s *Session) UnlockContent() {
	s.contentMu.Unlock()
}

// Deactivate flips the session inactive exactly once and fires closeSignal.
// It reports whether this call performed the transition (false if the
// session was already inactive), making force-close idempotent.
func (s *Session) Deactivate() bool {
	did := s.isActive.CompareAndSwap(true, false)
	s.closeOnce.Do(func() { close(s.closeSignal) })
	return did
}

// CloseSignal is fired exactly once, the moment the session is deactivated.
func (s *Session) CloseSignal() <-chan struct{} {
	return s.closeSignal
}

// SetCustomSystemPrompt overrides the system prompt used during initiation.
// Consumed once by the lifecycle manager's Initiate.
func (s *Session) SetCustomSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt != "" {
		s.customSystemPrompt = prompt
	}
}

// SystemPrompt returns the prompt to seed into the system content block.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customSystemPrompt
}

// InferenceConfig returns the sampling parameters sent in sessionStart.
func (s *Session) InferenceConfig() InferenceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inferenceConfig
}

// MarkPromptStartSent / PromptStartSent track whether the session's
// promptStart frame has been emitted.
func (s *Session) MarkPromptStartSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isPromptStartSent = true
}

func (s *Session) PromptStartSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPromptStartSent
}

// MarkAudioContentStartSent / AudioContentStartSent track whether the
// session's audio content block has been opened.
func (s *Session) MarkAudioContentStartSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAudioContentStartSent = true
}

func (s *Session) AudioContentStartSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAudioContentStartSent
}

// OpenPrompt records a prompt as active; it is the single source of truth
// teardown drives from.
func (s *Session) OpenPrompt(promptId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePromptIds[promptId] = struct{}{}
}

// ClosePrompt removes a prompt from the active set.
func (s *Session) ClosePrompt(promptId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activePromptIds, promptId)
}

// ActivePromptIDs returns a snapshot of currently open prompt IDs.
func (s *Session) ActivePromptIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activePromptIds))
	for id := range s.activePromptIds {
		out = append(out, id)
	}
	return out
}

// OpenContent records a content block as active, owned by promptId.
func (s *Session) OpenContent(contentId, promptId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeContentIds[contentId] = promptId
}

// CloseContent removes a content block from the active set, returning its
// owning prompt ID and whether it was found.
func (s *Session) CloseContent(contentId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	promptId, ok := s.activeContentIds[contentId]
	if ok {
		delete(s.activeContentIds, contentId)
	}
	return promptId, ok
}

// ActiveContentIDs returns a snapshot of contentId -> promptId.
func (s *Session) ActiveContentIDs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.activeContentIds))
	for k, v := range s.activeContentIds {
		out[k] = v
	}
	return out
}

// MarkAudioSent records that at least one audio chunk (possibly the
// sentinel) has been sent for the given open audio content block, so
// teardown step 1 can verify it before closing.
func (s *Session) MarkAudioSent(contentId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentAudioForContent[contentId] = true
}

func (s *Session) HasSentAudio(contentId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentAudioForContent[contentId]
}

// SetToolUse captures a pending tool call's correlation fields.
func (s *Session) SetToolUse(id, name, args string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolUseId = id
	s.toolName = name
	s.toolUseContent = args
}

// ToolUse returns the captured pending tool call's correlation fields.
func (s *Session) ToolUse() (id, name, args string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolUseId, s.toolName, s.toolUseContent
}

// ClearToolUse wipes the scratch fields once a result has been produced.
func (s *Session) ClearToolUse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolUseId = ""
	s.toolName = ""
	s.toolUseContent = ""
}

// SetHandler registers the handler for one event kind, or EventAny for the
// fallback handler.
func (s *Session) SetHandler(kind EventKind, h SessionHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = h
}

// Handler returns the registered handler for kind, if any.
func (s *Session) Handler(kind EventKind) (SessionHandler, bool) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Registry is the process-wide session map plus a parallel cleaning-up
// set. A single coarse lock is acceptable given create/close frequency
// is low relative to per-session traffic.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	cleaningUp map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		cleaningUp: make(map[string]struct{}),
	}
}

// Create allocates a new session for id. If a record already exists for
// id, it is marked inactive first so its attached tasks observe isActive
// = false and terminate cleanly, then replaced.
func (r *Registry) Create(id string, cfg Config) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[id]; ok {
		old.Deactivate()
	}
	s := NewSession(id, cfg)
	r.sessions[id] = s
	return s
}

// Get returns the session for id, if registered.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session record for id, along with any cleaning-up
// marker.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.cleaningUp, id)
}

// BeginCleanup marks id as undergoing cleanup. It reports false if id was
// already marked, letting Teardown return early instead of running a
// second ordered teardown of the same session at the same time.
func (r *Registry) BeginCleanup(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cleaningUp[id]; ok {
		return false
	}
	r.cleaningUp[id] = struct{}{}
	return true
}

// EndCleanup clears id's cleaning-up marker.
func (r *Registry) EndCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cleaningUp, id)
}

// IsCleaningUp reports whether id currently has a cleanup in flight.
func (r *Registry) IsCleaningUp(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cleaningUp[id]
	return ok
}

// Snapshot returns every currently-registered session, for the idle
// sweeper to scan without holding the registry lock during the scan.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
