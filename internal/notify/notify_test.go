package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/classifier"
)

type fakeChannel struct {
	err   error
	calls int
}

func (f *fakeChannel) Send(ctx context.Context, alert alerts.Alert, rule alerts.Rule) error {
	f.calls++
	return f.err
}

func testAlert() alerts.Alert {
	return alerts.Alert{
		ID:       "alert-1",
		RuleID:   "rule-1",
		Severity: classifier.SeverityUrgent,
		Title:    "disk full",
		Summary:  "host-01 disk usage at 98%",
		Source:   "host-01",
		FiredAt:  time.Now(),
	}
}

func TestRouterDispatchesToRegisteredChannel(t *testing.T) {
	r := NewRouter(slog.Default())
	ch := &fakeChannel{}
	r.Register("slack", ch)

	if err := r.Notify(context.Background(), "slack", testAlert(), alerts.Rule{Name: "rule-1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if ch.calls != 1 {
		t.Fatalf("calls = %d, want 1", ch.calls)
	}
}

func TestRouterUnregisteredChannelIsNoop(t *testing.T) {
	r := NewRouter(slog.Default())
	if err := r.Notify(context.Background(), "pagerduty", testAlert(), alerts.Rule{}); err != nil {
		t.Fatalf("Notify returned error for unregistered channel: %v", err)
	}
}

func TestRouterEmptyChannelIsNoop(t *testing.T) {
	r := NewRouter(slog.Default())
	if err := r.Notify(context.Background(), "", testAlert(), alerts.Rule{}); err != nil {
		t.Fatalf("Notify returned error for empty channel: %v", err)
	}
}

func TestRouterWrapsChannelError(t *testing.T) {
	r := NewRouter(slog.Default())
	wantErr := errors.New("webhook unreachable")
	r.Register("slack", &fakeChannel{err: wantErr})

	err := r.Notify(context.Background(), "slack", testAlert(), alerts.Rule{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapping %v", err, wantErr)
	}
}
