package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speechbridge/gateway/engine"
)

// Bridge is a per-client state machine maintaining a 1:1 mapping between
// one socket and at most one live Session, translating client messages
// into Session Engine operations and translating session events back
// into named client messages.
type Bridge struct {
	manager *engine.Manager
	conn    *websocket.Conn
	logger  *slog.Logger
	cfg     engine.Config

	writeMu sync.Mutex

	mu      sync.Mutex
	session *engine.Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge constructs a bridge for one freshly-upgraded client
// connection.
func NewBridge(ctx context.Context, manager *engine.Manager, cfg engine.Config, conn *websocket.Conn, logger *slog.Logger) *Bridge {
	bctx, cancel := context.WithCancel(ctx)
	return &Bridge{
		manager: manager,
		conn:    conn,
		logger:  logger,
		cfg:     cfg,
		ctx:     bctx,
		cancel:  cancel,
	}
}

// Run reads client messages until the socket closes, translating each
// into a Session Engine operation. It blocks for the lifetime of the
// connection.
func (b *Bridge) Run() {
	defer b.cancel()
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.handleDisconnect()
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			b.handleAudioInput(data)
		case websocket.TextMessage:
			b.handleTextMessage(data)
		}
	}
}

func (b *Bridge) handleTextMessage(data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("malformed client message", "error", err)
		return
	}
	switch env.Type {
	case "initSession":
		var msg InitSessionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.sendError("malformed initSession message", "")
			return
		}
		b.handleInitSession(msg.Prompt)
	case "audioInput":
		var msg AudioInputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.sendError("malformed audioInput message", "")
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			b.sendError("malformed audioInput base64 payload", "")
			return
		}
		b.handleAudioInput(chunk)
	case "stopAudio":
		b.handleStopAudio()
	default:
		b.logger.Warn("unknown client message type", "type", env.Type)
	}
}

// handleInitSession enforces the bridge's at-most-one-inflight-session-
// per-client rule with a close-then-recreate policy: creating a new
// session implicitly tears down the previous one, to completion, before
// the new one is acknowledged.
func (b *Bridge) handleInitSession(prompt string) {
	b.mu.Lock()
	previous := b.session
	b.mu.Unlock()

	if previous != nil && previous.IsActive() {
		b.manager.TeardownWithBudget(b.ctx, previous, "reinitiated")
	}

	id := engine.NewSessionID()
	s := b.manager.Create(id)
	s.SetCustomSystemPrompt(prompt)
	b.registerHandlers(s)

	b.mu.Lock()
	b.session = s
	b.mu.Unlock()

	b.manager.Initiate(b.ctx, s, func(err error) {
		b.manager.TeardownWithBudget(b.ctx, s, terminalReason(err))
	})

	b.sendJSON(map[string]any{"type": "sessionInitialized", "success": true, "sessionId": id})
}

func (b *Bridge) handleAudioInput(chunk []byte) {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return
	}
	if err := b.manager.StreamAudio(s, chunk); err != nil {
		b.logger.Debug("dropped audioInput for inactive session", "session", s.ID, "error", err)
	}
}

func (b *Bridge) handleStopAudio() {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return
	}
	wasActive := s.IsActive()
	b.manager.TeardownWithBudget(b.ctx, s, "normal")
	// Ordered teardown deactivates the session before the upstream response
	// ends, so the driver emits no streamComplete for this clean end; the
	// bridge sends it to the client itself.
	if wasActive {
		b.sendJSON(map[string]any{"type": "streamComplete"})
	}
}

// handleDisconnect tears the current session down with a bounded
// deadline, escalating to force-close on timeout.
func (b *Bridge) handleDisconnect() {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		b.manager.Teardown(b.ctx, s, "disconnect")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.DisconnectDeadline):
		b.manager.ForceClose(s, "disconnect")
	}
}

// registerHandlers wires the session's "any" fallback handler to forward
// every dispatched event verbatim to the client. A single fallback
// suffices since every forwarded kind is handled uniformly by forward.
func (b *Bridge) registerHandlers(s *engine.Session) {
	s.SetHandler(engine.EventAny, func(_ context.Context, _ *engine.Session, ev engine.InboundEvent) {
		b.forward(ev)
	})
}

func (b *Bridge) forward(ev engine.InboundEvent) {
	switch ev.Kind {
	case engine.EventContentStart:
		p, _ := engine.ParseContentStart(ev)
		b.sendJSON(map[string]any{"type": "contentStart", "contentName": p.ContentName, "contentType": p.Type, "role": p.Role})
	case engine.EventTextOutput:
		p, _ := engine.ParseTextOutput(ev)
		b.sendJSON(map[string]any{"type": "textOutput", "contentName": p.ContentName, "content": p.Content})
	case engine.EventAudioOutput:
		p, _ := engine.ParseAudioOutput(ev)
		b.sendJSON(map[string]any{"type": "audioOutput", "contentName": p.ContentName, "content": p.Content})
	case engine.EventToolUse:
		p, _ := engine.ParseToolUse(ev)
		b.sendJSON(map[string]any{"type": "toolUse", "toolUseId": p.ToolUseId, "toolName": p.ToolName})
	case engine.EventToolResult:
		b.sendJSON(withType(ev.Raw, "toolResult"))
	case engine.EventContentEnd:
		p, _ := engine.ParseContentEnd(ev)
		b.sendJSON(map[string]any{"type": "contentEnd", "contentName": p.ContentName, "contentType": p.Type, "stopReason": p.StopReason})
	case engine.EventStreamComplete:
		b.sendJSON(map[string]any{"type": "streamComplete"})
	case engine.EventError:
		p, _ := engine.ParseUpstreamError(ev)
		b.sendJSON(map[string]any{"type": "error", "message": p.Message})
	default:
		// Forward-compat: a kind the dispatcher doesn't specifically know
		// is still forwarded under its literal name.
		b.sendJSON(withType(ev.Raw, string(ev.Kind)))
	}
}

func withType(raw json.RawMessage, kind string) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	out["type"] = kind
	return out
}

func terminalReason(err error) string {
	if err == nil {
		return "normal"
	}
	return "upstream_error"
}

func (b *Bridge) sendJSON(v any) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteJSON(v); err != nil {
		b.logger.Debug("write to client failed", "error", err)
	}
}

func (b *Bridge) sendError(message, details string) {
	payload := map[string]any{"type": "error", "message": message}
	if details != "" {
		payload["details"] = details
	}
	b.sendJSON(payload)
}
