// Package metrics provides ready-made MetricsSink implementations.
package metrics

import (
	"log/slog"

	"github.com/openneuro-tools/transfer/transfertypes"
)

// LogSink emits every event as one structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger. A nil logger selects
// slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs the event at a level matching its severity.
func (s *LogSink) Record(event transfertypes.MetricEvent) {
	attrs := []any{
		slog.Time("timestamp", event.Timestamp),
		slog.String("dataset", event.Context.Dataset),
	}
	if event.Context.Subject != "" {
		attrs = append(attrs, slog.String("subject", event.Context.Subject))
	}
	if event.Context.Modality != "" {
		attrs = append(attrs, slog.String("modality", event.Context.Modality))
	}
	if event.Context.Task != "" {
		attrs = append(attrs, slog.String("task", event.Context.Task))
	}
	m := event.Metrics
	if m.SpeedMbps > 0 {
		attrs = append(attrs, slog.Float64("speed_mbps", m.SpeedMbps))
	}
	if m.MemoryMB > 0 {
		attrs = append(attrs, slog.Float64("memory_mb", m.MemoryMB))
	}
	if m.ActiveTransfers > 0 {
		attrs = append(attrs, slog.Int("active_transfers", m.ActiveTransfers))
	}
	if m.TotalChunks > 0 {
		attrs = append(attrs,
			slog.Int("chunk", m.ChunkNumber),
			slog.Int("total_chunks", m.TotalChunks),
		)
	}
	if v := event.Validation; len(v.Errors) > 0 || v.Status != "" {
		attrs = append(attrs,
			slog.Any("validation_errors", v.Errors),
			slog.String("validation_status", v.Status),
		)
	}

	switch event.Type {
	case transfertypes.EventTransferFailed, transfertypes.EventValidationFailed:
		s.logger.Error(event.Type, attrs...)
	case transfertypes.EventPatternShift, transfertypes.EventRecoveryAttempt:
		s.logger.Warn(event.Type, attrs...)
	default:
		s.logger.Info(event.Type, attrs...)
	}
}

type nopSink struct{}

func (nopSink) Record(transfertypes.MetricEvent) {}

// Nop returns a sink that discards all events.
func Nop() transfertypes.MetricsSink { return nopSink{} }
