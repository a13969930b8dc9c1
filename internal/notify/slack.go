package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/classifier"
	"github.com/argus-observability/agentcore/internal/httpkit"
)

// SlackChannel delivers alerts via a Slack incoming webhook. Slack's
// webhook contract is a single JSON POST, so no SDK is warranted here —
// see httpkit for the shared outbound HTTP conventions this borrows.
type SlackChannel struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackChannel constructs a SlackChannel posting to webhookURL.
func NewSlackChannel(webhookURL string, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("channel", "slack"),
	}
}

// slackPayload mirrors the subset of Slack's incoming-webhook message
// format this sink uses: a single attachment with a severity color bar.
type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func severityColor(sev classifier.Severity) string {
	switch sev {
	case classifier.SeverityUrgent:
		return "#d32f2f"
	case classifier.SeverityNotable:
		return "#f9a825"
	default:
		return "#9e9e9e"
	}
}

// Send posts alert to the configured webhook.
func (s *SlackChannel) Send(ctx context.Context, alert alerts.Alert, rule alerts.Rule) error {
	if s.webhookURL == "" {
		return fmt.Errorf("slack: webhook URL not configured")
	}

	payload := slackPayload{
		Text: fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Attachments: []slackAttachment{{
			Color: severityColor(alert.Severity),
			Title: alert.Title,
			Text:  alert.Summary,
			Fields: []slackField{
				{Title: "Rule", Value: rule.Name, Short: true},
				{Title: "Source", Value: alert.Source, Short: true},
				{Title: "Alert ID", Value: alert.ID, Short: true},
			},
			Ts: alert.FiredAt.Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		s.logger.Error("slack webhook rejected message", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, errBody)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	s.logger.Debug("alert posted to slack", "alert_id", alert.ID)
	return nil
}
