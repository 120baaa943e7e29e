package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all goloom metrics instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksCompleted    metric.Int64Counter
	TasksActive       metric.Int64UpDownCounter
	SessionsCreated   metric.Int64Counter
	SessionsDestroyed metric.Int64Counter
	StreamTokens      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("goloom.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("goloom.tasks.completed",
		metric.WithDescription("Tasks finished, by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("goloom.tasks.active",
		metric.WithDescription("Number of currently running tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCreated, err = meter.Int64Counter("goloom.pool.sessions.created",
		metric.WithDescription("Engine sessions created by the pools"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsDestroyed, err = meter.Int64Counter("goloom.pool.sessions.destroyed",
		metric.WithDescription("Engine sessions destroyed by the pools"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("goloom.stream.tokens",
		metric.WithDescription("Total streaming tokens delivered"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
