package metrics

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openneuro-tools/transfer/transfertypes"
)

func TestLogSinkRecordsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Record(transfertypes.MetricEvent{
		Timestamp: time.Now(),
		Type:      transfertypes.EventTransferComplete,
		Context: transfertypes.EventContext{
			Dataset:  "ds000001",
			Subject:  "sub-01",
			Modality: "anat",
		},
		Metrics: transfertypes.EventMetrics{SpeedMbps: 42.5},
	})

	out := buf.String()
	assert.Contains(t, out, transfertypes.EventTransferComplete)
	assert.Contains(t, out, "dataset=ds000001")
	assert.Contains(t, out, "subject=sub-01")
	assert.Contains(t, out, "modality=anat")
	assert.Contains(t, out, "speed_mbps=42.5")
	assert.Contains(t, out, "level=INFO")
}

func TestLogSinkLevelBySeverity(t *testing.T) {
	tests := []struct {
		eventType string
		level     string
	}{
		{transfertypes.EventTransferComplete, "INFO"},
		{transfertypes.EventTransferFailed, "ERROR"},
		{transfertypes.EventValidationFailed, "ERROR"},
		{transfertypes.EventPatternShift, "WARN"},
		{transfertypes.EventRecoveryAttempt, "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

			sink.Record(transfertypes.MetricEvent{Type: tt.eventType})

			assert.Contains(t, buf.String(), "level="+tt.level)
		})
	}
}

func TestNopSinkDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Record(transfertypes.MetricEvent{Type: transfertypes.EventTransferStart})
	})
}
