package notify

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"

	"github.com/argus-observability/agentcore/internal/alerts"
)

func TestComposeMessageProducesReadableMIME(t *testing.T) {
	msg, err := composeMessage("argus@example.com", []string{"oncall@example.com"}, "[URGENT] disk full", "**Rule:** disk-pressure\n\nhost-01 at 98%")
	if err != nil {
		t.Fatalf("composeMessage: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("parse composed message: %v", err)
	}
	subject, err := mr.Header.Subject()
	if err != nil {
		t.Fatalf("read subject: %v", err)
	}
	if subject != "[URGENT] disk full" {
		t.Errorf("subject = %q", subject)
	}

	var sawPlain, sawHTML bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		ct, _, _ := part.Header.ContentType()
		body, _ := io.ReadAll(part.Body)
		switch ct {
		case "text/plain":
			sawPlain = true
			if !strings.Contains(string(body), "host-01 at 98%") {
				t.Errorf("plain part missing body: %q", body)
			}
		case "text/html":
			sawHTML = true
			if !strings.Contains(string(body), "disk-pressure") {
				t.Errorf("html part missing rendered content: %q", body)
			}
		}
	}
	if !sawPlain || !sawHTML {
		t.Errorf("expected both plain and html parts, got plain=%v html=%v", sawPlain, sawHTML)
	}
}

func TestComposeMessageInvalidFromAddress(t *testing.T) {
	_, err := composeMessage("not-an-address", []string{"a@example.com"}, "subj", "body")
	if err == nil {
		t.Fatal("expected error for invalid from address")
	}
}

func TestEmailChannelRequiresHostAndRecipients(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{}, nil)
	err := ch.Send(t.Context(), alerts.Alert{}, alerts.Rule{})
	if err == nil {
		t.Fatal("expected error for unconfigured channel")
	}
}
