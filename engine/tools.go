package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/speechbridge/gateway/internal/httpclient"
	"github.com/speechbridge/gateway/obs"
)

// Tool names, the closed set the invoker supports.
const (
	ToolGetDateAndTime = "getDateAndTimeTool"
	ToolGetWeather     = "getWeatherTool"
)

// ToolInvoker executes the closed set of in-conversation tools and pushes
// results back into a session's outbound queue as a TOOL content block.
// Invoke runs each call on its own goroutine so the remote stream
// driver's response loop is never blocked waiting on a tool.
type ToolInvoker struct {
	httpClient *http.Client
	logger     *slog.Logger

	dispatch func(ctx context.Context, s *Session, ev InboundEvent)
}

// NewToolInvoker builds an invoker whose outbound HTTP calls (currently
// just the weather lookup) are bounded by timeout.
func NewToolInvoker(timeout time.Duration, logger *slog.Logger) *ToolInvoker {
	return &ToolInvoker{
		httpClient: httpclient.New(httpclient.WithTimeout(timeout)),
		logger:     logger,
	}
}

// SetDispatch wires the callback used to surface a ToolFailure as a
// client-visible error event. The engine calls this once, after both the
// dispatcher and the invoker exist, to break their construction cycle.
func (t *ToolInvoker) SetDispatch(fn func(ctx context.Context, s *Session, ev InboundEvent)) {
	t.dispatch = fn
}

// Invoke runs toolName(toolArgsJSON) asynchronously. On success it
// enqueues the TOOL content block — contentStart, toolResult, contentEnd —
// carrying the JSON result. On failure it surfaces a ToolFailure error to
// the client via the wired dispatch callback; the session keeps running
// either way.
func (t *ToolInvoker) Invoke(ctx context.Context, s *Session, toolUseId, toolName, argsJSON string) {
	go func() {
		start := time.Now()
		result, err := t.run(ctx, toolName, argsJSON)
		latencyMS := float64(time.Since(start).Milliseconds())
		obs.RecordToolInvocation(toolName, err == nil, latencyMS)

		if err != nil {
			t.logger.Warn("tool invocation failed", "session", s.ID, "tool", toolName, "error", err)
			if t.dispatch != nil {
				msg := fmt.Sprintf("tool %q failed: %v", toolName, err)
				t.dispatch(ctx, s, InboundEvent{Kind: EventError, Raw: rawOf(UpstreamErrorPayload{Message: msg})})
			}
			return
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			t.logger.Error("failed marshaling tool result", "session", s.ID, "tool", toolName, "error", err)
			return
		}

		contentId := "tool-" + toolUseId
		promptName := s.PromptName

		sent := func() bool {
			s.LockContent()
			defer s.UnlockContent()

			if !s.IsActive() {
				t.logger.Debug("dropping tool result for inactive session", "session", s.ID, "tool", toolName)
				return false
			}
			s.OpenContent(contentId, promptName)
			s.Queue.Enqueue(OutboundEvent{Kind: EventContentStart, Payload: ContentStartPayload{
				PromptName:  promptName,
				ContentName: contentId,
				Type:        ContentTypeTool,
				Interactive: false,
				Role:        RoleTool,
				ToolResultInputConfiguration: &ToolResultInputConfig{
					ToolUseId:              toolUseId,
					TextInputConfiguration: TextInputConfig{MediaType: "text/plain"},
				},
			}})

			if !s.IsActive() {
				s.CloseContent(contentId)
				return false
			}
			s.Queue.Enqueue(OutboundEvent{Kind: EventToolResult, Payload: ToolResultPayload{
				PromptName:  promptName,
				ContentName: contentId,
				Content:     string(resultJSON),
			}})

			if !s.IsActive() {
				s.CloseContent(contentId)
				return false
			}
			s.Queue.Enqueue(OutboundEvent{Kind: EventContentEnd, Payload: ContentEndPayload{
				PromptName:  promptName,
				ContentName: contentId,
			}})
			s.CloseContent(contentId)
			return true
		}()
		if !sent {
			return
		}

		// The TOOL content block above feeds the result back upstream; the
		// bridge never sees upstream frames directly, so also surface a
		// synthetic toolResult for the client-facing forwarding table.
		if t.dispatch != nil {
			t.dispatch(ctx, s, InboundEvent{Kind: EventToolResult, Raw: rawOf(map[string]any{
				"toolUseId": toolUseId,
				"toolName":  toolName,
				"result":    result,
			})})
		}
	}()
}

func (t *ToolInvoker) run(ctx context.Context, toolName, argsJSON string) (map[string]any, error) {
	switch toolName {
	case ToolGetDateAndTime:
		return t.getDateAndTime()
	case ToolGetWeather:
		return t.getWeather(ctx, argsJSON)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, toolName)
	}
}

func (t *ToolInvoker) getDateAndTime() (map[string]any, error) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	now := time.Now().In(loc)
	return map[string]any{
		"date":     now.Format("2006-01-02"),
		"year":     now.Year(),
		"month":    int(now.Month()),
		"day":      now.Day(),
		"weekday":  strings.ToUpper(now.Weekday().String()),
		"timezone": "PST",
		"time":     now.Format("3:04 PM"),
	}, nil
}

type weatherArgs struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

func (t *ToolInvoker) getWeather(ctx context.Context, argsJSON string) (map[string]any, error) {
	var args weatherArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: decode arguments: %v", ErrToolFailure, err)
	}
	if args.Latitude == "" || args.Longitude == "" {
		return nil, fmt.Errorf("%w: latitude and longitude are required", ErrToolFailure)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := url.Values{
		"latitude":        {args.Latitude},
		"longitude":       {args.Longitude},
		"current_weather": {"true"},
	}
	endpoint := "https://api.open-meteo.com/v1/forecast?" + query.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrToolFailure, err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: weather service returned %s", ErrToolFailure, resp.Status)
	}

	var weather map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&weather); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrToolFailure, err)
	}

	return map[string]any{"weather_data": weather}, nil
}
