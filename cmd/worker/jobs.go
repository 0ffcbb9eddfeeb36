package main

import (
	"context"
	"time"

	"github.com/diagnosis/counsel-portal/internal/availability"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
)

// job is one periodic task. It runs once at start, then every interval.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func (j job) loop(ctx context.Context, m *metrics.Metrics) error {
	if j.interval <= 0 {
		logger.Warn("Job disabled", "job", j.name)
		return nil
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.once(ctx, m)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j job) once(ctx context.Context, m *metrics.Metrics) {
	ctx = logger.WithAction(ctx, j.name)
	start := time.Now()
	if err := j.run(ctx); err != nil {
		logger.ErrorContext(ctx, "Job failed", "error", err, "elapsed", time.Since(start))
		if m != nil {
			m.Errors.WithLabelValues("worker_"+j.name).Inc()
		}
		return
	}
	logger.DebugContext(ctx, "Job finished", "elapsed", time.Since(start))
}

// slotJob tops up open slots so the calendar always reaches horizon days ahead.
func slotJob(tmpl availability.Template, horizon int, loc *time.Location, insert func(context.Context, []availability.Slot) (int64, error), now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		slots, err := tmpl.Generate(now().In(loc), horizon)
		if err != nil {
			return err
		}
		n, err := insert(ctx, slots)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.InfoContext(ctx, "Generated availability slots", "inserted", n)
		}
		return nil
	}
}

// consume decodes subject payloads into T and hands them to fn. Failures are
// logged; NATS core has no redelivery so there is nothing to nack.
func consume[T any](sub events.Subscriber, subject string, m *metrics.Metrics, fn func(context.Context, T) error) error {
	return sub.QueueSubscribe(subject, "counsel-worker", func(msg *events.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctx = logger.WithAction(ctx, subject)

		var evt T
		if err := msg.Decode(&evt); err != nil {
			logger.ErrorContext(ctx, "Dropping undecodable event", "error", err, "event_id", msg.ID)
			return
		}
		if err := fn(ctx, evt); err != nil {
			logger.ErrorContext(ctx, "Event handler failed", "error", err, "event_id", msg.ID)
			if m != nil {
				m.Errors.WithLabelValues("worker_"+subject).Inc()
			}
		}
	})
}
