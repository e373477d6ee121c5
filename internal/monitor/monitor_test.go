package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/domain/event"
)

var testNow = time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	queryRange  func(from, to time.Time) ([]event.Event, error)
	queryStatus func(status event.SendingStatus) ([]event.Event, error)
	markFailed  func(userID string, t event.Type, reason string) error
	failed      []string
}

func (f *fakeStore) QueryByNotifyRange(_ context.Context, from, to time.Time) ([]event.Event, error) {
	return f.queryRange(from, to)
}

func (f *fakeStore) QueryBySendingStatus(_ context.Context, status event.SendingStatus) ([]event.Event, error) {
	return f.queryStatus(status)
}

func (f *fakeStore) MarkFailed(_ context.Context, userID string, t event.Type, reason string) error {
	f.failed = append(f.failed, userID)
	if f.markFailed != nil {
		return f.markFailed(userID, t, reason)
	}
	return nil
}

func noEvents(time.Time, time.Time) ([]event.Event, error) { return nil, nil }

func noSending(event.SendingStatus) ([]event.Event, error) { return nil, nil }

func newTestMonitor(t *testing.T, st Store) *Monitor {
	t.Helper()
	m, err := New(Config{Store: st, Clock: clockwork.NewFakeClockAt(testNow)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func dueEvent(userID string, lastSent int, status event.SendingStatus, notify time.Time) event.Event {
	return event.Event{
		UserID:        userID,
		Type:          event.TypeBirthday,
		Date:          "1990-06-15",
		NotifyUTC:     notify,
		LastSentYear:  lastSent,
		SendingStatus: status,
	}
}

func TestCheckHealthyWhenNothingPending(t *testing.T) {
	st := &fakeStore{queryRange: noEvents, queryStatus: noSending}

	rep, err := newTestMonitor(t, st).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Status != StatusHealthy || rep.MissedCount != 0 || rep.StuckCount != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Missed == nil || rep.Stuck == nil {
		t.Error("missed/stuck must be empty slices, not nil")
	}
	if !rep.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", rep.Timestamp, testNow)
	}
}

func TestCheckDetectsMissedEvents(t *testing.T) {
	overdue := testNow.Add(-3 * time.Hour)
	st := &fakeStore{
		queryRange: func(from, to time.Time) ([]event.Event, error) {
			if !from.Equal(testNow.Add(-24*time.Hour)) || !to.Equal(testNow) {
				t.Errorf("window = [%v, %v]", from, to)
			}
			return []event.Event{
				dueEvent("u-missed", 2025, event.StatusFailed, overdue),
				dueEvent("u-done", 2026, event.StatusCompleted, overdue),
				dueEvent("u-claimed", 2026, event.StatusFailed, overdue),
			}, nil
		},
		queryStatus: noSending,
	}

	rep, err := newTestMonitor(t, st).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.MissedCount != 1 {
		t.Fatalf("missed = %+v, want only u-missed", rep.Missed)
	}
	got := rep.Missed[0]
	if got.UserID != "u-missed" || got.Status != "failed" {
		t.Errorf("missed entry = %+v", got)
	}
	if got.HoursOverdue != 3.0 {
		t.Errorf("hours overdue = %v, want 3", got.HoursOverdue)
	}
	if rep.Status != StatusWarning {
		t.Errorf("status = %s, want warning", rep.Status)
	}
}

func TestCheckPromotesLongStuckClaims(t *testing.T) {
	staleAt := testNow.Add(-15 * time.Minute)
	freshAt := testNow.Add(-5 * time.Minute)
	stale := dueEvent("u-stale", 2026, event.StatusSending, testNow)
	stale.SendingAttemptedAt = &staleAt
	fresh := dueEvent("u-fresh", 2026, event.StatusSending, testNow)
	fresh.SendingAttemptedAt = &freshAt

	st := &fakeStore{
		queryRange: noEvents,
		queryStatus: func(status event.SendingStatus) ([]event.Event, error) {
			if status != event.StatusSending {
				t.Errorf("queried status %s", status)
			}
			return []event.Event{stale, fresh}, nil
		},
	}

	rep, err := newTestMonitor(t, st).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.StuckCount != 2 {
		t.Fatalf("stuck = %+v", rep.Stuck)
	}
	if rep.Stuck[0].Action != ActionMarkedFailed || rep.Stuck[0].MinutesStuck != 15.0 {
		t.Errorf("stale entry = %+v", rep.Stuck[0])
	}
	if rep.Stuck[1].Action != ActionMonitoring {
		t.Errorf("fresh entry = %+v", rep.Stuck[1])
	}
	if len(st.failed) != 1 || st.failed[0] != "u-stale" {
		t.Errorf("marked failed = %v, want only the stale claim", st.failed)
	}
}

func TestCheckKeepsMonitoringWhenPromotionFails(t *testing.T) {
	staleAt := testNow.Add(-20 * time.Minute)
	stuck := dueEvent("u-stale", 2026, event.StatusSending, testNow)
	stuck.SendingAttemptedAt = &staleAt

	st := &fakeStore{
		queryRange:  noEvents,
		queryStatus: func(event.SendingStatus) ([]event.Event, error) { return []event.Event{stuck}, nil },
		markFailed:  func(string, event.Type, string) error { return errors.New("dynamo down") },
	}

	rep, err := newTestMonitor(t, st).Check(context.Background())
	if err != nil {
		t.Fatalf("promotion failure must not fail the check: %v", err)
	}
	if rep.Stuck[0].Action != ActionMonitoring {
		t.Errorf("action = %s, want monitoring when the write fails", rep.Stuck[0].Action)
	}
}

func TestCheckStatusClassification(t *testing.T) {
	tests := []struct {
		issues int
		want   string
	}{
		{0, StatusHealthy},
		{1, StatusWarning},
		{4, StatusWarning},
		{5, StatusCritical},
		{12, StatusCritical},
	}
	for _, tc := range tests {
		if got := classify(tc.issues); got != tc.want {
			t.Errorf("classify(%d) = %s, want %s", tc.issues, got, tc.want)
		}
	}
}

func TestCheckCriticalWhenManyMissed(t *testing.T) {
	st := &fakeStore{
		queryRange: func(time.Time, time.Time) ([]event.Event, error) {
			var due []event.Event
			for _, id := range []string{"u-1", "u-2", "u-3", "u-4", "u-5"} {
				due = append(due, dueEvent(id, 0, "", testNow.Add(-time.Hour)))
			}
			return due, nil
		},
		queryStatus: noSending,
	}

	rep, err := newTestMonitor(t, st).Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.Status != StatusCritical || rep.MissedCount != 5 {
		t.Errorf("report = %+v", rep)
	}
}

func TestCheckQueryErrors(t *testing.T) {
	st := &fakeStore{
		queryRange: func(time.Time, time.Time) ([]event.Event, error) {
			return nil, errors.New("index offline")
		},
	}
	if _, err := newTestMonitor(t, st).Check(context.Background()); err == nil {
		t.Fatal("want error when the missed query fails")
	}

	st = &fakeStore{
		queryRange:  noEvents,
		queryStatus: func(event.SendingStatus) ([]event.Event, error) { return nil, errors.New("scan failed") },
	}
	if _, err := newTestMonitor(t, st).Check(context.Background()); err == nil {
		t.Fatal("want error when the stuck scan fails")
	}
}
