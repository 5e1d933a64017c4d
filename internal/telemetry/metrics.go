package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricBufferPoolFree  = "nebulastream.buffer_pool.free"
	metricBufferPoolTotal = "nebulastream.buffer_pool.total"
	metricTaskQueueDepth  = "nebulastream.task_queue.depth"
)

// EngineMetrics holds the engine-wide OTel instruments that have a single
// natural owner (the global buffer pool, the scheduler's aggregate queue
// depth) and are therefore registered once, here, rather than per-operator.
// Per-operator signals (slice counts, watermark lag) are recorded directly
// against the Meter returned from Init by whichever operator owns them,
// following the same metric.Meter.Int64*/Float64* construction pattern.
type EngineMetrics struct{}

// NewEngineMetrics registers observable gauges for buffer pool occupancy and
// aggregate task queue depth against mt, sampled via the supplied callbacks
// whenever the meter's reader collects (spec.md ambient stack).
func NewEngineMetrics(mt metric.Meter, poolFree, poolTotal, queueDepth func() int64) (*EngineMetrics, error) {
	_, err := mt.Int64ObservableGauge(metricBufferPoolFree,
		metric.WithDescription("Pages currently available in the global buffer pool"),
		metric.WithUnit("{page}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(poolFree())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBufferPoolFree, err)
	}

	_, err = mt.Int64ObservableGauge(metricBufferPoolTotal,
		metric.WithDescription("Fixed size of the global buffer pool"),
		metric.WithUnit("{page}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(poolTotal())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBufferPoolTotal, err)
	}

	_, err = mt.Int64ObservableGauge(metricTaskQueueDepth,
		metric.WithDescription("Tasks buffered across every pipeline queue"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(queueDepth())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTaskQueueDepth, err)
	}

	return &EngineMetrics{}, nil
}
