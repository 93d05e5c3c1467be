package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter implements Emitter by writing one line per event to a writer.
//
// Text mode prints the event name followed by key=value pairs, with meta
// keys sorted so lines are stable across runs:
//
//	[flow_suspended] flow_id=flow_0190... step=2 state=suspended version=3
//
// JSON mode writes one object per line (JSONL):
//
//	{"flow_id":"flow_0190...","step":2,"msg":"flow_suspended","meta":{"state":"suspended"}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes event as a single Write call, so lines from concurrent flows
// never interleave.
func (l *LogEmitter) Emit(event Event) {
	var line []byte
	if l.jsonMode {
		line = formatJSON(event)
	} else {
		line = formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(line)
}

func formatJSON(event Event) []byte {
	data, err := json.Marshal(struct {
		FlowID string                 `json:"flow_id,omitempty"`
		Step   int                    `json:"step"`
		Msg    string                 `json:"msg"`
		Meta   map[string]interface{} `json:"meta,omitempty"`
	}{
		FlowID: event.FlowID,
		Step:   event.Step,
		Msg:    event.Msg,
		Meta:   event.Meta,
	})
	if err != nil {
		data, _ = json.Marshal(map[string]string{"msg": event.Msg, "error": "unencodable meta: " + err.Error()})
	}
	return append(data, '\n')
}

func formatText(event Event) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s]", event.Msg)
	if event.FlowID != "" {
		fmt.Fprintf(&b, " flow_id=%s", event.FlowID)
	}
	fmt.Fprintf(&b, " step=%d", event.Step)

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := event.Meta[k].(type) {
		case string, fmt.Stringer, error:
			fmt.Fprintf(&b, " %s=%q", k, fmt.Sprint(v))
		default:
			if raw, err := json.Marshal(v); err == nil {
				fmt.Fprintf(&b, " %s=%s", k, raw)
			} else {
				fmt.Fprintf(&b, " %s=%v", k, v)
			}
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}
