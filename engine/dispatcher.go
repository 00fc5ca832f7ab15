package engine

import (
	"context"
	"log/slog"

	"github.com/speechbridge/gateway/obs"
)

// Dispatcher routes decoded inbound events to per-session handlers and
// performs tool-call correlation. A Dispatcher is stateless and shared
// across all sessions; the per-session state it touches lives on the
// Session itself.
type Dispatcher struct {
	tools  *ToolInvoker
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher backed by the given tool invoker.
func NewDispatcher(tools *ToolInvoker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{tools: tools, logger: logger}
}

// Dispatch delivers ev to s's kind-specific handler, if registered, then
// to its "any" fallback handler, if registered. Both calls are guarded
// against panics so a misbehaving handler never interrupts the response
// loop. Events read by the remote stream driver are dispatched one at a
// time, since its response-reading loop calls Dispatch sequentially. The
// tool invoker (toolResult and tool error events) and the idle sweeper
// call Dispatch from their own goroutines, and Dispatch does not serialize
// those calls against the driver's, so their handlers can run
// concurrently with it.
//
// Dispatch also performs tool-call correlation: a toolUse event captures
// its name/id/arguments on the session; a contentEnd event of sub-type
// TOOL triggers the tool invoker with those captured values and then
// clears them.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, ev InboundEvent) {
	s.Touch()

	switch ev.Kind {
	case EventToolUse:
		if use, err := ParseToolUse(ev); err == nil {
			s.SetToolUse(use.ToolUseId, use.ToolName, use.Content)
		} else {
			d.logger.Warn("malformed toolUse payload", "session", s.ID, "error", err)
		}
	case EventContentEnd:
		if end, err := ParseContentEnd(ev); err == nil && end.Type == ContentTypeTool {
			id, name, args := s.ToolUse()
			if id != "" {
				d.tools.Invoke(ctx, s, id, name, args)
				s.ClearToolUse()
			}
		}
	}

	d.invoke(ctx, s, ev.Kind, ev)
	d.invoke(ctx, s, EventAny, ev)
}

func (d *Dispatcher) invoke(ctx context.Context, s *Session, key EventKind, ev InboundEvent) {
	handler, ok := s.Handler(key)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("suppressed panic in event handler",
				"session", s.ID, "kind", ev.Kind, "handler_key", key, "panic", r)
			obs.RecordDispatchError(string(ev.Kind))
		}
	}()
	handler(ctx, s, ev)
}
