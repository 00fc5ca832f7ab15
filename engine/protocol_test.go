package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeOutbound_Shape(t *testing.T) {
	ev := OutboundEvent{Kind: EventSessionStart, Payload: SessionStartPayload{
		InferenceConfiguration: InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7},
	}}

	data, err := EncodeOutbound(ev)
	if err != nil {
		t.Fatalf("EncodeOutbound: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("expected newline-terminated frame")
	}

	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if len(frame.Event) != 1 {
		t.Fatalf("expected exactly one event kind, got %d", len(frame.Event))
	}
	if _, ok := frame.Event["sessionStart"]; !ok {
		t.Error("expected sessionStart key in event map")
	}
}

func TestDecodeInbound_RoundTrip(t *testing.T) {
	line := []byte(`{"event":{"textOutput":{"contentName":"c1","content":"hello"}}}`)

	ev, err := DecodeInbound(line)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if ev.Kind != EventTextOutput {
		t.Errorf("expected kind textOutput, got %q", ev.Kind)
	}

	p, err := ParseTextOutput(ev)
	if err != nil {
		t.Fatalf("ParseTextOutput: %v", err)
	}
	if p.ContentName != "c1" || p.Content != "hello" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeInbound_UnknownKindForwardsUnderLiteralName(t *testing.T) {
	line := []byte(`{"event":{"somethingNew":{"foo":"bar"}}}`)

	ev, err := DecodeInbound(line)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if ev.Kind != EventKind("somethingNew") {
		t.Errorf("expected literal kind preserved, got %q", ev.Kind)
	}
}

func TestDecodeInbound_RejectsMultiKeyFrame(t *testing.T) {
	line := []byte(`{"event":{"a":{},"b":{}}}`)
	if _, err := DecodeInbound(line); err == nil {
		t.Error("expected error for a frame with more than one event kind")
	}
}

func TestParseToolUse(t *testing.T) {
	line := []byte(`{"event":{"toolUse":{"toolUseId":"t1","toolName":"getWeatherTool","content":"{\"latitude\":\"47.6\",\"longitude\":\"-122.3\"}"}}}`)
	ev, err := DecodeInbound(line)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	use, err := ParseToolUse(ev)
	if err != nil {
		t.Fatalf("ParseToolUse: %v", err)
	}
	if use.ToolUseId != "t1" || use.ToolName != "getWeatherTool" {
		t.Errorf("unexpected payload: %+v", use)
	}
}

func TestParseContentEnd_DistinguishesToolStop(t *testing.T) {
	line := []byte(`{"event":{"contentEnd":{"contentName":"c1","type":"TOOL","stopReason":"TOOL_USE"}}}`)
	ev, err := DecodeInbound(line)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	end, err := ParseContentEnd(ev)
	if err != nil {
		t.Fatalf("ParseContentEnd: %v", err)
	}
	if end.Type != ContentTypeTool {
		t.Errorf("expected type TOOL, got %q", end.Type)
	}
}
