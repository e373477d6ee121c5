package redrive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/queue"
)

type fakeMain struct {
	enqueueRaw func(body, group, dedup string) error
	sent       [][3]string
}

func (f *fakeMain) EnqueueRaw(_ context.Context, body, group, dedup string) error {
	f.sent = append(f.sent, [3]string{body, group, dedup})
	if f.enqueueRaw != nil {
		return f.enqueueRaw(body, group, dedup)
	}
	return nil
}

type fakeDLQ struct {
	depth   func() (int, error)
	receive func(max int, wait time.Duration) ([]queue.Delivery, error)
	del     func(receiptHandle string) error
	deleted []string
}

func (f *fakeDLQ) Depth(context.Context) (int, error) { return f.depth() }

func (f *fakeDLQ) Receive(_ context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	return f.receive(max, wait)
}

func (f *fakeDLQ) Delete(_ context.Context, receiptHandle string) error {
	f.deleted = append(f.deleted, receiptHandle)
	if f.del != nil {
		return f.del(receiptHandle)
	}
	return nil
}

type fakeProber struct {
	probe func() error
	calls int
}

func (f *fakeProber) Probe(context.Context) error {
	f.calls++
	if f.probe != nil {
		return f.probe()
	}
	return nil
}

func newTestRedriver(t *testing.T, main Main, dlq DeadLetter, p Prober) *Redriver {
	t.Helper()
	r, err := New(Config{
		Main:   main,
		DLQ:    dlq,
		Prober: p,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func greeterBody(t *testing.T) string {
	t.Helper()
	m := queue.Message{
		ID:              "u-1",
		FirstName:       "Maya",
		Timezone:        "Europe/Berlin",
		EventType:       "birthday",
		EventDate:       "1990-06-15",
		NotifyLocalTime: "09:00",
		YearNow:         2026,
	}
	body, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return body
}

func TestRunOnceEmptyDLQ(t *testing.T) {
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 0, nil },
		receive: func(int, time.Duration) ([]queue.Delivery, error) {
			t.Fatal("receive must not run on an empty dlq")
			return nil, nil
		},
	}
	p := &fakeProber{}

	rep, err := newTestRedriver(t, &fakeMain{}, dlq, p).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Depth != 0 || rep.Received != 0 {
		t.Errorf("report = %+v", rep)
	}
	if p.calls != 0 {
		t.Errorf("probe ran %d times on an empty dlq", p.calls)
	}
}

func TestRunOnceSkipsWhenWebhookUnhealthy(t *testing.T) {
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 3, nil },
		receive: func(int, time.Duration) ([]queue.Delivery, error) {
			t.Fatal("receive must not run while the webhook is down")
			return nil, nil
		},
	}
	p := &fakeProber{probe: func() error { return errors.New("probe status 503") }}

	rep, err := newTestRedriver(t, &fakeMain{}, dlq, p).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unhealthy webhook is not an error: %v", err)
	}
	if rep.Depth != 3 || rep.WebhookHealthy || rep.Redriven != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunOnceRedrivesPreservingKeys(t *testing.T) {
	body := greeterBody(t)
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 2, nil },
		receive: func(max int, wait time.Duration) ([]queue.Delivery, error) {
			if max != batchSize || wait != longPoll {
				t.Errorf("receive(%d, %v), want (%d, %v)", max, wait, batchSize, longPoll)
			}
			return []queue.Delivery{
				{Body: body, ReceiptHandle: "rh-1", GroupID: "birthday", DedupID: "u-1-birthday-2026"},
				{Body: body, ReceiptHandle: "rh-2", GroupID: "birthday", DedupID: "u-2-birthday-2026"},
			}, nil
		},
	}
	main := &fakeMain{}

	rep, err := newTestRedriver(t, main, dlq, &fakeProber{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Received != 2 || rep.Redriven != 2 || rep.Failures != 0 || !rep.WebhookHealthy {
		t.Errorf("report = %+v", rep)
	}
	if len(main.sent) != 2 {
		t.Fatalf("main enqueues = %d, want 2", len(main.sent))
	}
	if main.sent[0][1] != "birthday" || main.sent[0][2] != "u-1-birthday-2026" {
		t.Errorf("keys = %q/%q, want preserved", main.sent[0][1], main.sent[0][2])
	}
	if len(dlq.deleted) != 2 || dlq.deleted[0] != "rh-1" {
		t.Errorf("deleted = %v", dlq.deleted)
	}
}

func TestRunOnceSynthesizesMissingKeys(t *testing.T) {
	body := greeterBody(t)
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 2, nil },
		receive: func(int, time.Duration) ([]queue.Delivery, error) {
			return []queue.Delivery{
				{Body: body, ReceiptHandle: "rh-1"},
				{Body: "not json", ReceiptHandle: "rh-2"},
			}, nil
		},
	}
	main := &fakeMain{}

	rep, err := newTestRedriver(t, main, dlq, &fakeProber{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Redriven != 2 {
		t.Fatalf("report = %+v", rep)
	}

	// Group recovered from the body when it still decodes.
	if main.sent[0][1] != "birthday" {
		t.Errorf("group = %q, want birthday", main.sent[0][1])
	}
	if main.sent[1][1] != fallbackGroup {
		t.Errorf("group = %q, want %q", main.sent[1][1], fallbackGroup)
	}
	for _, s := range main.sent {
		if !strings.HasPrefix(s[2], "redrive-") {
			t.Errorf("dedup = %q, want synthesized redrive key", s[2])
		}
	}
}

func TestRunOnceEnqueueFailureLeavesMessage(t *testing.T) {
	body := greeterBody(t)
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 2, nil },
		receive: func(int, time.Duration) ([]queue.Delivery, error) {
			return []queue.Delivery{
				{Body: body, ReceiptHandle: "rh-1", GroupID: "birthday", DedupID: "d-1"},
				{Body: body, ReceiptHandle: "rh-2", GroupID: "birthday", DedupID: "d-2"},
			}, nil
		},
	}
	main := &fakeMain{enqueueRaw: func(_, _, dedup string) error {
		if dedup == "d-1" {
			return errors.New("main queue unavailable")
		}
		return nil
	}}

	rep, err := newTestRedriver(t, main, dlq, &fakeProber{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Redriven != 1 || rep.Failures != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(dlq.deleted) != 1 || dlq.deleted[0] != "rh-2" {
		t.Errorf("deleted = %v, failed message must stay in dlq", dlq.deleted)
	}
}

func TestRunOnceDeleteFailureCounted(t *testing.T) {
	body := greeterBody(t)
	dlq := &fakeDLQ{
		depth: func() (int, error) { return 1, nil },
		receive: func(int, time.Duration) ([]queue.Delivery, error) {
			return []queue.Delivery{{Body: body, ReceiptHandle: "rh-1", GroupID: "birthday", DedupID: "d-1"}}, nil
		},
		del: func(string) error { return errors.New("receipt expired") },
	}

	rep, err := newTestRedriver(t, &fakeMain{}, dlq, &fakeProber{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Redriven != 0 || rep.Failures != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunOnceDepthError(t *testing.T) {
	dlq := &fakeDLQ{depth: func() (int, error) { return 0, errors.New("access denied") }}

	_, err := newTestRedriver(t, &fakeMain{}, dlq, &fakeProber{}).RunOnce(context.Background())
	if err == nil {
		t.Fatal("want error when depth cannot be read")
	}
}
