package emit

import (
	"context"
	"log/slog"
	"sort"
)

// SlogEmitter implements Emitter by writing each event as a structured
// log/slog record.
//
// Failure events (flow_failed, persistence_failed, checkpoint_corrupted,
// flow_parked) are logged at Warn, everything else at Debug, so a node
// running at Info only sees what needs an operator.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger means slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit logs the event.
func (s *SlogEmitter) Emit(event Event) {
	level := slog.LevelDebug
	switch event.Msg {
	case MsgFlowFailed, MsgPersistenceFailed, MsgCheckpointCorrupted, MsgFlowParked:
		level = slog.LevelWarn
	}

	ctx := context.Background()
	if !s.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, len(event.Meta)+2)
	if event.FlowID != "" {
		attrs = append(attrs, slog.String("flow_id", event.FlowID))
	}
	attrs = append(attrs, slog.Int("step", event.Step))

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	s.logger.LogAttrs(ctx, level, event.Msg, attrs...)
}
