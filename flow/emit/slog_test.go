package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogEmitter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := NewSlogEmitter(logger)

	e.Emit(Event{FlowID: "flow_1", Msg: MsgFlowSuspended})
	e.Emit(Event{FlowID: "flow_1", Step: 4, Msg: MsgPersistenceFailed, Meta: map[string]interface{}{"error": "disk full"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the warn-level event at Info, got %d lines: %s", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid log line: %v", err)
	}
	if rec["msg"] != MsgPersistenceFailed || rec["level"] != "WARN" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["flow_id"] != "flow_1" || rec["step"] != float64(4) || rec["error"] != "disk full" {
		t.Errorf("missing attributes: %v", rec)
	}
}
