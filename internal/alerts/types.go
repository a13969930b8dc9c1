// Package alerts implements the Alert Engine (spec.md §4.5): rule
// matching, dedup, cooldown, mute, and the acknowledge/resolve
// lifecycle. The dedup/cooldown state machine's "pluggable per-kind
// key function" approach is grounded on r3e-network-service_layer,
// which uses dop251/goja the same way for its own rule evaluation.
package alerts

import (
	"time"

	"github.com/argus-observability/agentcore/internal/classifier"
)

// Status is an Alert's lifecycle state. Transitions are monotonic:
// active -> acknowledged? -> resolved, never backwards.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Rule is the mutable catalog record describing when to fire an Alert.
type Rule struct {
	ID             string
	Name           string
	EventKinds     map[string]bool
	MinSeverity    classifier.Severity
	MaxSeverity    classifier.Severity // zero value means "no ceiling"
	Cooldown       time.Duration
	AutoInvestigate bool
	MuteUntil      *time.Time
	NotifyChannel  string // "" (none), "slack", "email"
	// DedupKeyExpr, when set, is a goja expression evaluated against
	// the firing event's fields (as `event`) and must return a string;
	// it resolves spec.md §9's open question about pluggable per-rule
	// dedup-key functions. Empty uses the compiled-Go default.
	DedupKeyExpr string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Muted reports whether the rule is currently muted. An expired mute
// reactivates lazily — callers should clear MuteUntil once this
// returns false rather than checking MuteUntil directly.
func (r *Rule) Muted(now time.Time) bool {
	return r.MuteUntil != nil && now.Before(*r.MuteUntil)
}

// Matches reports whether the rule applies to an event of kind with
// severity sev, ignoring mute state (callers check Muted separately).
func (r *Rule) Matches(kind string, sev classifier.Severity) bool {
	if !r.EventKinds[kind] {
		return false
	}
	if sevRank(sev) < sevRank(r.MinSeverity) {
		return false
	}
	if r.MaxSeverity != "" && sevRank(sev) > sevRank(r.MaxSeverity) {
		return false
	}
	return true
}

func sevRank(s classifier.Severity) int {
	switch s {
	case classifier.SeverityNotable:
		return 1
	case classifier.SeverityUrgent:
		return 2
	default:
		return 0
	}
}

// Alert is one fired instance of a Rule.
type Alert struct {
	ID               string
	RuleID           string
	DedupKey         string
	Severity         classifier.Severity
	Title            string
	Summary          string
	Source           string
	FiredAt          time.Time
	Status           Status
	ResolvedAt       *time.Time
	AcknowledgedAt   *time.Time
	AcknowledgedBy   string
	InvestigationID  string
}
