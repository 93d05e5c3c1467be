package flow_test

import (
	"strings"
	"testing"

	"github.com/dshills/flowmachine/flow"
)

func TestNewFlowID(t *testing.T) {
	a, b := flow.NewFlowID(), flow.NewFlowID()
	if a == b {
		t.Fatal("flow ids collide")
	}
	if !strings.HasPrefix(string(a), "flow_") {
		t.Errorf("id %q missing prefix", a)
	}
	if _, err := flow.ParseFlowID(string(a)); err != nil {
		t.Errorf("ParseFlowID(%q): %v", a, err)
	}
}

func TestFlowIDForKey(t *testing.T) {
	if flow.FlowIDForKey("issue-42") != flow.FlowIDForKey("issue-42") {
		t.Error("key-derived ids are not stable")
	}
	if flow.FlowIDForKey("issue-42") == flow.FlowIDForKey("issue-43") {
		t.Error("different keys share an id")
	}
}

func TestParseFlowID_Invalid(t *testing.T) {
	for _, s := range []string{"", "flow_", "abc", "flow_not-a-uuid", "job_0190b6a5-0000-7000-8000-000000000000"} {
		if _, err := flow.ParseFlowID(s); err == nil {
			t.Errorf("ParseFlowID(%q) accepted", s)
		}
	}
}

func TestNewDedupID(t *testing.T) {
	if got := flow.NewDedupID("flow_a", 3); got != "flow_a:3" {
		t.Errorf("dedup id = %q, want flow_a:3", got)
	}
}
