package emit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		FlowID: "flow_text",
		Step:   3,
		Msg:    MsgFlowSuspended,
		Meta: map[string]interface{}{
			"version": 4,
			"state":   "suspended",
			"error":   errors.New("gateway busy"),
		},
	})

	want := `[flow_suspended] flow_id=flow_text step=3 error="gateway busy" state="suspended" version=4` + "\n"
	if got := buf.String(); got != want {
		t.Errorf("text line:\n got %q\nwant %q", got, want)
	}

	buf.Reset()
	emitter.Emit(Event{Msg: MsgManagerStarted})
	if got := buf.String(); got != "[manager_started] step=0\n" {
		t.Errorf("manager-level line = %q", got)
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{FlowID: "flow_a", Step: 1, Msg: MsgFlowStarted})
	emitter.Emit(Event{FlowID: "flow_a", Step: 2, Msg: MsgFlowCompleted, Meta: map[string]interface{}{"version": 3}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", len(lines))
	}

	var decoded struct {
		FlowID string                 `json:"flow_id"`
		Step   int                    `json:"step"`
		Msg    string                 `json:"msg"`
		Meta   map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if decoded.FlowID != "flow_a" || decoded.Step != 2 || decoded.Msg != MsgFlowCompleted {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
	if decoded.Meta["version"] != float64(3) {
		t.Errorf("expected meta version 3, got %v", decoded.Meta["version"])
	}

	buf.Reset()
	emitter.Emit(Event{FlowID: "flow_a", Msg: MsgFlowFailed, Meta: map[string]interface{}{"bad": make(chan int)}})
	if !strings.Contains(buf.String(), "unencodable meta") {
		t.Errorf("unencodable meta not reported: %s", buf.String())
	}
}

func TestLogEmitter_ConcurrentLinesIntact(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitter.Emit(Event{FlowID: "flow_c", Msg: MsgCheckpointWritten})
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !json.Valid([]byte(line)) {
			t.Fatalf("interleaved line: %q", line)
		}
	}
}
