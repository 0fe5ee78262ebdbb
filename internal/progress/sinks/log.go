// Package sinks provides progress.Sink implementations: structured logging
// and Prometheus metrics.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/progress"
)

// LogSink emits structured logs for progress streams. Useful during
// development and when auditing a long search after the fact.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Kind)),
			zap.Int("node_id", evt.NodeID),
			zap.Time("ts", evt.TS),
		}
		if snap := evt.Snapshot; snap != nil {
			fields = append(fields,
				zap.Int("person_id", snap.PersonID),
				zap.Int64("combination_index", snap.CombinationIndex),
				zap.Int64("total_combinations", snap.TotalCombinations),
				zap.Int("matches_found", snap.MatchesFound),
				zap.Float64("percentage", snap.Percentage),
			)
		}
		if evt.ErrorMessage != "" {
			fields = append(fields, zap.String("error_message", evt.ErrorMessage))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
