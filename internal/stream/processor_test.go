package stream

import (
	"reflect"
	"strings"
	"testing"

	"github.com/HyphaGroup/seneschal/internal/permission"
)

func collect(t *testing.T) (*Processor, *[]Event) {
	t.Helper()
	var events []Event
	p := NewProcessor(permission.ModeDefault, func(e Event) {
		events = append(events, e)
	})
	return p, &events
}

func TestSystemInit(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"system","subtype":"init","session_id":"U-1","model":"opus","permissionMode":"default","cwd":"/work","tools":["Bash","Read"]}` + "\n"))

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	e := (*events)[0]
	if e.Kind != KindSystem {
		t.Fatalf("kind = %s, want system", e.Kind)
	}
	if e.UpstreamSessionID != "U-1" || e.Model != "opus" || e.PermissionMode != "default" || e.CWD != "/work" {
		t.Errorf("unexpected system event: %+v", e)
	}
	if len(e.Tools) != 2 {
		t.Errorf("tools = %v", e.Tools)
	}
}

func TestSystemInitModeChange(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"plan"}` + "\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events, want system + permission_mode_changed", len(*events))
	}
	if (*events)[1].Kind != KindPermissionModeChanged || (*events)[1].PermissionMode != "plan" {
		t.Errorf("unexpected second event: %+v", (*events)[1])
	}
	if p.PermissionMode() != permission.ModePlan {
		t.Errorf("cached mode = %s", p.PermissionMode())
	}

	// The same echo again is a no-op
	*events = nil
	p.HandleData([]byte(`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"plan"}` + "\n"))
	if len(*events) != 1 || (*events)[0].Kind != KindSystem {
		t.Errorf("duplicate echo should emit only the system event, got %+v", *events)
	}
}

func TestAssistantDecomposition(t *testing.T) {
	p, events := collect(t)
	line := `{"type":"assistant","message":{"role":"assistant","model":"opus","content":[` +
		`{"type":"thinking","thinking":"hmm"},` +
		`{"type":"text","text":"4"},` +
		`{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}],` +
		`"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":1,"cache_read_input_tokens":2}}}` + "\n"
	p.HandleData([]byte(line))

	want := []EventKind{KindThinking, KindText, KindToolUse, KindUsage}
	if len(*events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(*events), len(want), *events)
	}
	for i, k := range want {
		if (*events)[i].Kind != k {
			t.Errorf("event %d kind = %s, want %s", i, (*events)[i].Kind, k)
		}
	}

	tu := (*events)[2]
	if tu.ToolUseID != "t1" || tu.ToolName != "Bash" || string(tu.ToolInput) != `{"command":"ls"}` {
		t.Errorf("tool_use = %+v", tu)
	}

	u := (*events)[3]
	if u.Usage == nil || u.Usage.InputTokens != 10 || u.Usage.OutputTokens != 5 ||
		u.Usage.CacheCreationTokens != 1 || u.Usage.CacheReadTokens != 2 {
		t.Errorf("usage = %+v", u.Usage)
	}
	if u.Model != "opus" {
		t.Errorf("usage model = %q", u.Model)
	}
}

func TestToolResult(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file1 file2","is_error":false}]}}` + "\n"))

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	e := (*events)[0]
	if e.Kind != KindToolResult || e.ToolUseID != "t1" || e.Content != "file1 file2" || e.IsError {
		t.Errorf("tool_result = %+v", e)
	}
}

func TestToolResultObjectContent(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"hi"}],"is_error":true}]}}` + "\n"))

	e := (*events)[0]
	if e.Content != `[{"type":"text","text":"hi"}]` {
		t.Errorf("object content should be serialized, got %q", e.Content)
	}
	if !e.IsError {
		t.Error("is_error lost")
	}
}

func TestUserStringContentIgnored(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"user","message":{"role":"user","content":"echoed prompt"}}` + "\n"))
	if len(*events) != 0 {
		t.Errorf("string user content should emit nothing, got %+v", *events)
	}
}

func TestResult(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"result","result":"4","session_id":"U-1","total_cost_usd":0.03}` + "\n"))

	e := (*events)[0]
	if e.Kind != KindResult || e.Text != "4" || e.UpstreamSessionID != "U-1" || e.CostUSD != 0.03 {
		t.Errorf("result = %+v", e)
	}
}

func TestControlResponseModeEcho(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"control_response","response":{"subtype":"success","request_id":"req-1","response":{"mode":"plan"}}}` + "\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events, want control_response + permission_mode_changed", len(*events))
	}
	cr := (*events)[0]
	if cr.Kind != KindControlResponse || cr.RequestID != "req-1" || !cr.OK || cr.PermissionMode != "plan" {
		t.Errorf("control_response = %+v", cr)
	}
	if (*events)[1].Kind != KindPermissionModeChanged {
		t.Errorf("second event = %+v", (*events)[1])
	}
}

func TestControlResponseError(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"control_response","response":{"subtype":"error","request_id":"req-2","error":"nope"}}` + "\n"))

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	if (*events)[0].OK {
		t.Error("error response should not be ok")
	}
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"stream_event","wat":true}` + "\n"))
	if len(*events) != 0 {
		t.Errorf("unknown envelope should be silent, got %+v", *events)
	}
}

func TestMalformedLinesDropped(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte("{broken json\n"))
	p.HandleData([]byte("plain diagnostic output\n"))
	p.HandleData([]byte(`{"type":"result","result":"ok"}` + "\n"))

	if len(*events) != 1 || (*events)[0].Kind != KindResult {
		t.Errorf("good line should survive neighbors, got %+v", *events)
	}
	if p.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1 (non-JSON lines are not counted)", p.Dropped())
	}
}

// Feeding a stream split at every single byte boundary must produce the
// same events as one whole-buffer call.
func TestChunkBoundaryInvariance(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"U-9","permissionMode":"default"}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":3,"output_tokens":1}}}` + "\n" +
		`{"type":"result","result":"hello","session_id":"U-9"}` + "\n"

	var whole []Event
	pw := NewProcessor(permission.ModeDefault, func(e Event) { whole = append(whole, e) })
	pw.HandleData([]byte(input))

	var split []Event
	ps := NewProcessor(permission.ModeDefault, func(e Event) { split = append(split, e) })
	for i := 0; i < len(input); i++ {
		ps.HandleData([]byte{input[i]})
	}

	if !reflect.DeepEqual(whole, split) {
		t.Errorf("byte-split events differ:\nwhole: %+v\nsplit: %+v", whole, split)
	}
}

func TestANSIPollutedLine(t *testing.T) {
	clean := `{"type":"result","result":"4","session_id":"U-1"}`

	var cleanEvents, dirtyEvents []Event
	pc := NewProcessor(permission.ModeDefault, func(e Event) { cleanEvents = append(cleanEvents, e) })
	pc.HandleData([]byte(clean + "\n"))

	dirty := "\x1b[?25l" + clean + "\x1b[0m\r\n"
	pd := NewProcessor(permission.ModeDefault, func(e Event) { dirtyEvents = append(dirtyEvents, e) })
	pd.HandleData([]byte(dirty))

	if !reflect.DeepEqual(cleanEvents, dirtyEvents) {
		t.Errorf("ANSI-wrapped line parsed differently:\nclean: %+v\ndirty: %+v", cleanEvents, dirtyEvents)
	}
}

func TestFlushTrailingLine(t *testing.T) {
	p, events := collect(t)
	p.HandleData([]byte(`{"type":"result","result":"done"}`)) // no newline
	if len(*events) != 0 {
		t.Fatal("incomplete line must not be processed before flush")
	}
	p.Flush()
	if len(*events) != 1 || (*events)[0].Text != "done" {
		t.Errorf("flush should process the trailing line, got %+v", *events)
	}
}

func TestLargeFrame(t *testing.T) {
	p, events := collect(t)
	big := strings.Repeat("x", 256*1024)
	p.HandleData([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"` + big + `"}]}}` + "\n"))
	if len(*events) != 1 || len((*events)[0].Text) != len(big) {
		t.Errorf("large frame mangled")
	}
}
