package metrics

import "tickflow/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricMalformedFrame records broker frames that failed validation or decode.
	DropMetricMalformedFrame DropMetric = "malformed_frames_dropped"
	// DropMetricBusStream records events dropped on a saturated bus stream.
	DropMetricBusStream DropMetric = "bus_stream_messages_dropped"
	// DropMetricSessionQueue records frames sacrificed to a full session queue.
	DropMetricSessionQueue DropMetric = "session_queue_messages_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one so callers should invoke this
// helper for each dropped message. Optional metadata (exchange, topic, stage)
// enables downstream aggregation per broker and stream type.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, topic, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
