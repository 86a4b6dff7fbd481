package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all koclaw metrics instruments.
type Metrics struct {
	TaskRunDuration  metric.Float64Histogram
	TaskRunsTotal    metric.Int64Counter
	TaskRunErrors    metric.Int64Counter
	DeliveriesQueued metric.Int64Counter
	DeliveriesSent   metric.Int64Counter
	DeliveriesFailed metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskRunDuration, err = meter.Float64Histogram("koclaw.task.run.duration",
		metric.WithDescription("Scheduled task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunsTotal, err = meter.Int64Counter("koclaw.task.runs",
		metric.WithDescription("Total scheduled task executions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunErrors, err = meter.Int64Counter("koclaw.task.run.errors",
		metric.WithDescription("Scheduled task executions that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesQueued, err = meter.Int64Counter("koclaw.delivery.queued",
		metric.WithDescription("Delivery queue items enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesSent, err = meter.Int64Counter("koclaw.delivery.sent",
		metric.WithDescription("Delivery queue items delivered by a channel"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesFailed, err = meter.Int64Counter("koclaw.delivery.failed",
		metric.WithDescription("Delivery queue items that could not be delivered"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
