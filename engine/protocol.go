package engine

import (
	"encoding/json"
	"fmt"
)

// EventKind names a single event kind in either direction of the upstream
// wire protocol, plus the synthetic kinds the driver introduces locally
// (streamComplete, error) and the dispatcher's "any" fallback key.
type EventKind string

const (
	EventSessionStart EventKind = "sessionStart"
	EventPromptStart  EventKind = "promptStart"
	EventContentStart EventKind = "contentStart"
	EventTextInput    EventKind = "textInput"
	EventAudioInput   EventKind = "audioInput"
	EventToolResult   EventKind = "toolResult"
	EventContentEnd   EventKind = "contentEnd"
	EventPromptEnd    EventKind = "promptEnd"
	EventSessionEnd   EventKind = "sessionEnd"

	EventTextOutput          EventKind = "textOutput"
	EventAudioOutput         EventKind = "audioOutput"
	EventToolUse             EventKind = "toolUse"
	EventModelStreamError    EventKind = "modelStreamErrorException"
	EventInternalServerError EventKind = "internalServerException"

	// EventStreamComplete and EventError never appear on the wire; the
	// remote stream driver synthesizes them for the dispatcher.
	EventStreamComplete EventKind = "streamComplete"
	EventError          EventKind = "error"

	// EventAny is the dispatcher's fallback handler key.
	EventAny EventKind = "any"
)

// Content and role enums used across contentStart payloads.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	RoleSystem = "SYSTEM"
	RoleUser   = "USER"
	RoleTool   = "TOOL"
)

// OutboundEvent is a single outbound wire frame: exactly one kind with
// its payload.
type OutboundEvent struct {
	Kind    EventKind
	Payload any
}

// MarshalJSON renders the frame as {"event": {"<kind>": <payload>}}.
func (e OutboundEvent) MarshalJSON() ([]byte, error) {
	inner := map[string]any{string(e.Kind): e.Payload}
	return json.Marshal(struct {
		Event map[string]any `json:"event"`
	}{Event: inner})
}

// EncodeOutbound serializes an outbound event as a single newline-terminated
// JSON frame suitable for writing to the request body.
func EncodeOutbound(ev OutboundEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	return append(data, '\n'), nil
}

// InboundEvent is a decoded wire frame with its kind resolved but its
// payload left raw for kind-specific parsing.
type InboundEvent struct {
	Kind EventKind
	Raw  json.RawMessage
}

type wireFrame struct {
	Event map[string]json.RawMessage `json:"event"`
}

// DecodeInbound parses a single JSON frame of the shape
// {"event": {"<kind>": {...}}}. Unknown kinds decode successfully; the
// dispatcher forwards them under their literal kind name.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return InboundEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(frame.Event) != 1 {
		return InboundEvent{}, fmt.Errorf("decode frame: expected exactly one event kind, got %d", len(frame.Event))
	}
	for kind, raw := range frame.Event {
		return InboundEvent{Kind: EventKind(kind), Raw: raw}, nil
	}
	return InboundEvent{}, fmt.Errorf("decode frame: unreachable")
}

// --- outbound payloads ---

// InferenceConfig carries the model sampling parameters sent once per
// session in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// SessionStartPayload is the payload of the first event of every session.
type SessionStartPayload struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

// TextOutputConfig describes the media type of assistant text output.
type TextOutputConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioOutputConfig describes the format the remote service should
// synthesize speech in.
type AudioOutputConfig struct {
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceId         string `json:"voiceId"`
}

// ToolUseOutputConfig describes the media type of toolUse payloads.
type ToolUseOutputConfig struct {
	MediaType string `json:"mediaType"`
}

// ToolInputSchema wraps a tool's JSON schema, inlined as a string per the
// upstream contract.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

// ToolSpec describes one tool available to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolSpecWrapper matches the upstream's { toolSpec: {...} } envelope.
type ToolSpecWrapper struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolConfiguration lists the closed set of tools available this session.
type ToolConfiguration struct {
	Tools []ToolSpecWrapper `json:"tools"`
}

// PromptStartPayload opens the session's single prompt.
type PromptStartPayload struct {
	PromptName                 string              `json:"promptName"`
	TextOutputConfiguration    TextOutputConfig    `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfig   `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration ToolUseOutputConfig `json:"toolUseOutputConfiguration"`
	ToolConfiguration          ToolConfiguration   `json:"toolConfiguration"`
}

// TextInputConfig describes the media type of a TEXT content block.
type TextInputConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the format of inbound microphone audio.
type AudioInputConfig struct {
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
}

// ToolResultInputConfig scopes a TOOL content block to the toolUse it answers.
type ToolResultInputConfig struct {
	ToolUseId               string          `json:"toolUseId"`
	TextInputConfiguration  TextInputConfig `json:"textInputConfiguration"`
}

// ContentStartPayload opens one content block within the session's prompt.
type ContentStartPayload struct {
	PromptName                   string                  `json:"promptName"`
	ContentName                  string                  `json:"contentName"`
	Type                         string                  `json:"type"`
	Interactive                  bool                    `json:"interactive"`
	Role                         string                  `json:"role"`
	TextInputConfiguration       *TextInputConfig        `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioInputConfig       `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfig  `json:"toolResultInputConfiguration,omitempty"`
}

// TextInputPayload carries a UTF-8 text content chunk, used once per
// session for the system prompt.
type TextInputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInputPayload carries one chunk of base64-encoded PCM audio.
type AudioInputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolResultPayload carries a tool's JSON result, stringified.
type ToolResultPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ContentEndPayload closes one content block.
type ContentEndPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// PromptEndPayload closes the session's prompt.
type PromptEndPayload struct {
	PromptName string `json:"promptName"`
}

// SessionEndPayload carries no fields; its presence alone ends the session.
type SessionEndPayload struct{}

// --- inbound payloads ---

// TextOutputPayload carries one chunk of assistant transcript text.
type TextOutputPayload struct {
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioOutputPayload carries one chunk of base64 synthesized speech.
type AudioOutputPayload struct {
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolUsePayload identifies a model-initiated tool call.
type ToolUsePayload struct {
	ToolUseId string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	Content   string `json:"content"`
}

// ContentStartInPayload describes an inbound content block opening.
type ContentStartInPayload struct {
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	Role        string `json:"role"`
}

// ContentEndInPayload describes an inbound content block closing; Type
// distinguishes a TEXT turn ending from a TOOL call completing.
type ContentEndInPayload struct {
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	StopReason  string `json:"stopReason,omitempty"`
}

// UpstreamErrorPayload carries the message of a modelStreamErrorException
// or internalServerException frame.
type UpstreamErrorPayload struct {
	Message string `json:"message"`
}

// ParseTextOutput decodes the payload of a textOutput inbound event.
func ParseTextOutput(ev InboundEvent) (TextOutputPayload, error) {
	var p TextOutputPayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// ParseAudioOutput decodes the payload of an audioOutput inbound event.
func ParseAudioOutput(ev InboundEvent) (AudioOutputPayload, error) {
	var p AudioOutputPayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// ParseToolUse decodes the payload of a toolUse inbound event.
func ParseToolUse(ev InboundEvent) (ToolUsePayload, error) {
	var p ToolUsePayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// ParseContentStart decodes the payload of an inbound contentStart event.
func ParseContentStart(ev InboundEvent) (ContentStartInPayload, error) {
	var p ContentStartInPayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// ParseContentEnd decodes the payload of an inbound contentEnd event.
func ParseContentEnd(ev InboundEvent) (ContentEndInPayload, error) {
	var p ContentEndInPayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// ParseUpstreamError decodes the payload of a modelStreamErrorException or
// internalServerException inbound event.
func ParseUpstreamError(ev InboundEvent) (UpstreamErrorPayload, error) {
	var p UpstreamErrorPayload
	err := json.Unmarshal(ev.Raw, &p)
	return p, err
}

// rawOf marshals v into a json.RawMessage, for synthesizing local inbound
// events (streamComplete, error) that never arrive over the wire.
func rawOf(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
