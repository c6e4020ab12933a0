package simplemedia

import (
	"context"
	"log/slog"
)

// NoopEventSink discards transitions.
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// Transitioned does nothing and returns nil
func (n *NoopEventSink) Transitioned(ctx context.Context, t Transition) error {
	return nil
}

// LogEventSink writes every transition to a structured logger as an audit
// trail.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink that logs through logger.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger.With(slog.String("component", "audit"))}
}

// Transitioned logs t at info level.
func (s *LogEventSink) Transitioned(ctx context.Context, t Transition) error {
	s.logger.InfoContext(ctx, "state transition",
		slog.String("file_id", t.FileID.String()),
		slog.String("axis", t.Axis),
		slog.String("from", t.From),
		slog.String("to", t.To),
		slog.String("reason", t.Reason),
		slog.Time("at", t.At),
	)
	return nil
}

// MultiEventSink fans transitions out to several sinks. The first error is
// returned after all sinks ran.
type MultiEventSink []EventSink

func (m MultiEventSink) Transitioned(ctx context.Context, t Transition) error {
	var first error
	for _, s := range m {
		if err := s.Transitioned(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
