package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/classifier"
)

func TestSlackChannelPostsPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, nil)
	alert := alerts.Alert{
		ID:       "alert-1",
		Severity: classifier.SeverityUrgent,
		Title:    "disk full",
		Summary:  "host-01 at 98%",
		Source:   "host-01",
		FiredAt:  time.Now(),
	}
	rule := alerts.Rule{Name: "disk-pressure"}

	if err := ch.Send(t.Context(), alert, rule); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	if got.Attachments[0].Color != "#d32f2f" {
		t.Errorf("urgent color = %q", got.Attachments[0].Color)
	}
	if got.Attachments[0].Title != "disk full" {
		t.Errorf("title = %q", got.Attachments[0].Title)
	}
}

func TestSlackChannelMissingWebhookURL(t *testing.T) {
	ch := NewSlackChannel("", nil)
	err := ch.Send(t.Context(), alerts.Alert{}, alerts.Rule{})
	if err == nil {
		t.Fatal("expected error for missing webhook URL")
	}
}

func TestSlackChannelNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid_payload"))
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, nil)
	err := ch.Send(t.Context(), alerts.Alert{Title: "x"}, alerts.Rule{})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestSeverityColor(t *testing.T) {
	cases := map[classifier.Severity]string{
		classifier.SeverityUrgent:  "#d32f2f",
		classifier.SeverityNotable: "#f9a825",
		classifier.SeverityInfo:    "#9e9e9e",
	}
	for sev, want := range cases {
		if got := severityColor(sev); got != want {
			t.Errorf("severityColor(%s) = %q, want %q", sev, got, want)
		}
	}
}
