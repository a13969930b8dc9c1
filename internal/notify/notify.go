// Package notify implements the outbound notification sinks named by
// spec.md §1 ("notify a human via Slack/email"). It adapts the
// teacher's inbound-mailbox-oriented internal/email package down to a
// send-only surface: the Alert Engine never reads mail, it only
// composes and ships a notification when a Rule's NotifyChannel fires.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/argus-observability/agentcore/internal/alerts"
)

// Channel delivers a fired Alert to one external destination.
type Channel interface {
	Send(ctx context.Context, alert alerts.Alert, rule alerts.Rule) error
}

// Router dispatches by channel name and implements alerts.Notifier.
// Unregistered channel names are logged and treated as a no-op rather
// than an error, since notification is explicitly best-effort
// (alerts.Notifier's contract: failures never block a firing alert).
type Router struct {
	logger   *slog.Logger
	channels map[string]Channel
}

// NewRouter constructs an empty Router. Register channels with Register.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, channels: make(map[string]Channel)}
}

// Register wires a named channel (e.g. "slack", "email"). The name
// matches alerts.Rule.NotifyChannel.
func (r *Router) Register(name string, ch Channel) {
	r.channels[name] = ch
}

// Notify implements alerts.Notifier.
func (r *Router) Notify(ctx context.Context, channel string, alert alerts.Alert, rule alerts.Rule) error {
	if channel == "" {
		return nil
	}
	ch, ok := r.channels[channel]
	if !ok {
		r.logger.Warn("no notification channel registered", "channel", channel, "alert_id", alert.ID)
		return nil
	}
	if err := ch.Send(ctx, alert, rule); err != nil {
		return fmt.Errorf("notify via %s: %w", channel, err)
	}
	return nil
}
