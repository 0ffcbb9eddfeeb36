package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/diagnosis/counsel-portal/internal/availability"
	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	handlers map[string]func(*events.Message)
}

func (f *fakeSubscriber) Subscribe(subject string, h func(*events.Message)) error {
	return f.QueueSubscribe(subject, "", h)
}

func (f *fakeSubscriber) QueueSubscribe(subject, _ string, h func(*events.Message)) error {
	f.handlers[subject] = h
	return nil
}

func (f *fakeSubscriber) deliver(t *testing.T, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.handlers[subject](&events.Message{Subject: subject, Data: data, ID: "evt-1"})
}

func TestConsumeDecodesPayload(t *testing.T) {
	sub := &fakeSubscriber{handlers: map[string]func(*events.Message){}}
	m := metrics.NewUnregistered()

	var got []events.BookingCreatedEvent
	err := consume(sub, events.BookingCreated, m, func(_ context.Context, evt events.BookingCreatedEvent) error {
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)

	sub.deliver(t, events.BookingCreated, events.BookingCreatedEvent{ClientEmail: "dana@example.com", Date: "2026-11-02"})
	require.Len(t, got, 1)
	require.Equal(t, "dana@example.com", got[0].ClientEmail)

	sub.handlers[events.BookingCreated](&events.Message{Subject: events.BookingCreated, Data: []byte("{")})
	require.Len(t, got, 1)
}

func TestConsumeCountsHandlerFailures(t *testing.T) {
	sub := &fakeSubscriber{handlers: map[string]func(*events.Message){}}
	m := metrics.NewUnregistered()

	require.NoError(t, consume(sub, events.OrderPaid, m, func(context.Context, events.OrderPaidEvent) error {
		return errors.New("smtp down")
	}))
	sub.deliver(t, events.OrderPaid, events.OrderPaidEvent{OrderID: "o-1"})

	require.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("worker_"+events.OrderPaid)))
}

func TestJobOnceRecordsErrors(t *testing.T) {
	m := metrics.NewUnregistered()
	calls := 0
	j := job{name: "cleanup", interval: time.Minute, run: func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	}}

	j.once(context.Background(), m)
	j.once(context.Background(), m)
	require.Equal(t, 2, calls)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("worker_cleanup")))
}

func TestJobLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	j := job{name: "rollup", interval: time.Hour, run: func(context.Context) error {
		ran <- struct{}{}
		cancel()
		return nil
	}}

	done := make(chan error, 1)
	go func() { done <- j.loop(ctx, nil) }()

	<-ran
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestSlotJobGeneratesFromFirmDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:00 UTC Tuesday is still Monday evening in New York.
	now := func() time.Time { return time.Date(2026, 11, 3, 2, 0, 0, 0, time.UTC) }
	tmpl := availability.Template{Open: "09:00", Close: "11:00", DurationMinutes: 60, Weekdays: []time.Weekday{time.Monday}}

	var inserted []availability.Slot
	run := slotJob(tmpl, 1, loc, func(_ context.Context, s []availability.Slot) (int64, error) {
		inserted = append(inserted, s...)
		return int64(len(s)), nil
	}, now)

	require.NoError(t, run(context.Background()))
	require.Len(t, inserted, 2)
	require.Equal(t, "2026-11-02", inserted[0].Date)
	require.Equal(t, "09:00", inserted[0].StartTime)
	require.Equal(t, "10:00", inserted[1].StartTime)
}

func TestSlotJobRejectsBadTemplate(t *testing.T) {
	tmpl := availability.Template{Open: "nine", Close: "17:00", DurationMinutes: 60}
	run := slotJob(tmpl, 7, time.UTC, func(context.Context, []availability.Slot) (int64, error) {
		t.Fatal("insert must not run")
		return 0, nil
	}, time.Now)
	require.Error(t, run(context.Background()))
}
