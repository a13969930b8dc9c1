package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/classifier"
	"github.com/argus-observability/agentcore/internal/events"
)

// Notifier sends a fired Alert to an external channel (Slack, email).
// Errors are logged by the Engine but never prevent the alert from
// firing — notification is best-effort.
type Notifier interface {
	Notify(ctx context.Context, channel string, alert Alert, rule Rule) error
}

// AuditLog appends a lifecycle transition to the append-only audit
// trail. Implemented by catalog.AuditAdapter.
type AuditLog interface {
	Append(ctx context.Context, entity, action, actor, detail string) error
}

// BudgetReserver is the subset of internal/budget.Manager the Alert
// Engine needs to admit an auto-investigation reserve.
type BudgetReserver interface {
	Reserve(ctx context.Context, priority string, estimatedTokens int64) (token string, ok bool)
}

// Investigator starts a ReActRun investigating an alert. Implemented
// by internal/investigation.Orchestrator; kept as an interface here so
// the Alert Engine does not import the agent loop directly.
type Investigator interface {
	Start(ctx context.Context, alert Alert, rule Rule) (runID string, err error)
	Cancel(ctx context.Context, investigationID string) error
}

// Engine owns all in-flight Alert records exclusively; cross-component
// access is by copy through bus messages or the Snapshot query methods.
type Engine struct {
	bus      *events.Bus
	notifier Notifier
	audit    AuditLog
	budget   BudgetReserver
	invest   Investigator

	mu     sync.Mutex
	rules  map[string]*Rule
	active map[dedupKey]*Alert // latest alert per dedup key; a resolved alert stays until the next firing replaces it
	history []*Alert
}

type dedupKey struct {
	ruleID string
	key    string
}

// New constructs an Engine. notifier, audit, budget, and invest may be
// nil in tests that don't exercise notification/investigation.
func New(bus *events.Bus, notifier Notifier, audit AuditLog, budget BudgetReserver, invest Investigator) *Engine {
	return &Engine{
		bus:      bus,
		notifier: notifier,
		audit:    audit,
		budget:   budget,
		invest:   invest,
		rules:    make(map[string]*Rule),
		active:   make(map[dedupKey]*Alert),
	}
}

// PutRule inserts or replaces a rule (full CRUD per SPEC_FULL.md §12).
func (e *Engine) PutRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	e.rules[r.ID] = r
}

// DeleteRule removes a rule by id.
func (e *Engine) DeleteRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// Rules returns a snapshot copy of all rules.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// HandleClassified evaluates every matching, unmuted rule against a
// classified event and fires alerts for the ones that pass dedup. This
// is the Alert Engine's subscriber callback for events.classified.
func (e *Engine) HandleClassified(ctx context.Context, kind, source string, sev classifier.Severity, eventFields map[string]any) {
	if sev == classifier.SeverityInfo {
		return
	}

	now := time.Now().UTC()
	e.mu.Lock()
	var matched []*Rule
	for _, r := range e.rules {
		if r.Muted(now) {
			continue
		}
		if r.MuteUntil != nil && !r.Muted(now) {
			r.MuteUntil = nil // expired mute reactivates lazily
		}
		if r.Matches(kind, sev) {
			matched = append(matched, r)
		}
	}
	e.mu.Unlock()

	for _, rule := range matched {
		e.fire(ctx, rule, kind, source, sev, eventFields)
	}
}

func (e *Engine) fire(ctx context.Context, rule *Rule, kind, source string, sev classifier.Severity, eventFields map[string]any) {
	key := dedupKeyFor(rule, kind, source, eventFields)
	dk := dedupKey{ruleID: rule.ID, key: key}
	now := time.Now().UTC()

	e.mu.Lock()
	if existing, ok := e.active[dk]; ok && existing.Status != StatusResolved {
		if now.Sub(existing.FiredAt) < rule.Cooldown {
			e.mu.Unlock()
			return // within cooldown: drop, no alert_state_change
		}
	}

	id, _ := uuid.NewV7()
	alert := &Alert{
		ID:       id.String(),
		RuleID:   rule.ID,
		DedupKey: key,
		Severity: sev,
		Title:    rule.Name,
		Summary:  fmt.Sprintf("%s observed on %s", kind, source),
		Source:   source,
		FiredAt:  now,
		Status:   StatusActive,
	}
	e.active[dk] = alert
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic: events.TopicAlertsFired, Source: source, Kind: "alert_fired",
			Data: map[string]any{"alert_id": alert.ID, "rule_id": rule.ID, "severity": string(sev)},
		})
	}
	if e.audit != nil {
		_ = e.audit.Append(ctx, "alert", "fired", "system", alert.ID)
	}
	if e.notifier != nil && rule.NotifyChannel != "" {
		_ = e.notifier.Notify(ctx, rule.NotifyChannel, *alert, *rule)
	}

	if rule.AutoInvestigate && sev == classifier.SeverityUrgent && e.budget != nil && e.invest != nil {
		if _, ok := e.budget.Reserve(ctx, "urgent", defaultInvestigationTokenEstimate); ok {
			runID, err := e.invest.Start(ctx, *alert, *rule)
			if err == nil {
				e.mu.Lock()
				alert.InvestigationID = runID
				e.mu.Unlock()
			}
		}
	}
}

const defaultInvestigationTokenEstimate = 8000

// dedupKeyFor computes the dedup key: rule.DedupKeyExpr evaluated via
// goja when set, else the compiled-Go default of
// (rule id, event source, event kind), matching DESIGN.md's Open
// Question decision.
func dedupKeyFor(rule *Rule, kind, source string, eventFields map[string]any) string {
	if rule.DedupKeyExpr == "" {
		return fmt.Sprintf("%s:%s:%s", rule.ID, source, kind)
	}

	vm := goja.New()
	event := map[string]any{"kind": kind, "source": source}
	for k, v := range eventFields {
		event[k] = v
	}
	if err := vm.Set("event", event); err != nil {
		return fmt.Sprintf("%s:%s:%s", rule.ID, source, kind)
	}
	v, err := vm.RunString(rule.DedupKeyExpr)
	if err != nil {
		return fmt.Sprintf("%s:%s:%s", rule.ID, source, kind)
	}
	return v.String()
}

// Acknowledge transitions an alert from active to acknowledged.
// Idempotent: calling it twice on an already-acknowledged alert by the
// same actor returns nil without double-auditing.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) error {
	e.mu.Lock()
	alert := e.findByID(alertID)
	if alert == nil {
		e.mu.Unlock()
		return apperr.New(apperr.NotFound, "alert not found")
	}
	if alert.Status == StatusAcknowledged && alert.AcknowledgedBy == actor {
		e.mu.Unlock()
		return nil
	}
	if alert.Status != StatusActive {
		e.mu.Unlock()
		return apperr.New(apperr.Conflict, "alert is not active")
	}
	now := time.Now().UTC()
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.Event{Topic: events.TopicAlertsState, Kind: "acknowledged", Data: map[string]any{"alert_id": alertID, "actor": actor}})
	}
	if e.audit != nil {
		_ = e.audit.Append(ctx, "alert", "acknowledged", actor, alertID)
	}
	return nil
}

// Resolve transitions an alert from active or acknowledged to resolved
// and cancels any in-flight auto-investigation for it.
func (e *Engine) Resolve(ctx context.Context, alertID, actor string) error {
	e.mu.Lock()
	alert := e.findByID(alertID)
	if alert == nil {
		e.mu.Unlock()
		return apperr.New(apperr.NotFound, "alert not found")
	}
	if alert.Status == StatusResolved {
		e.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	investigationID := alert.InvestigationID
	e.mu.Unlock()

	if e.invest != nil && investigationID != "" {
		_ = e.invest.Cancel(ctx, investigationID)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Topic: events.TopicAlertsState, Kind: "resolved", Data: map[string]any{"alert_id": alertID, "actor": actor}})
	}
	if e.audit != nil {
		_ = e.audit.Append(ctx, "alert", "resolved", actor, alertID)
	}
	return nil
}

// Mute sets or extends a rule's mute window. Per DESIGN.md's Open
// Question decision, repeated mute calls extend to
// max(now+duration, prev_expiry) rather than resetting to now+duration.
func (e *Engine) Mute(ruleID string, duration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return apperr.New(apperr.NotFound, "rule not found")
	}
	candidate := time.Now().UTC().Add(duration)
	if rule.MuteUntil != nil && rule.MuteUntil.After(candidate) {
		candidate = *rule.MuteUntil
	}
	rule.MuteUntil = &candidate
	return nil
}

// Unmute clears a rule's mute window immediately.
func (e *Engine) Unmute(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return apperr.New(apperr.NotFound, "rule not found")
	}
	rule.MuteUntil = nil
	return nil
}

// PruneExpiredMutes clears MuteUntil on any rule whose mute window has
// passed. HandleClassified already reactivates a rule lazily the next
// time it matches an event; this exists so a rule that simply stops
// receiving matching events doesn't show a stale mute_until forever in
// catalog snapshots. Returns the number of rules unmuted.
func (e *Engine) PruneExpiredMutes(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.rules {
		if r.MuteUntil != nil && !r.Muted(now) {
			r.MuteUntil = nil
			n++
		}
	}
	return n
}

// findByID must be called with e.mu held.
func (e *Engine) findByID(id string) *Alert {
	for _, a := range e.active {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Active returns a snapshot of all non-resolved alerts, optionally
// filtered by status and minimum severity.
func (e *Engine) Active(status Status, minSeverity classifier.Severity) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, a := range e.active {
		if a.Status == StatusResolved {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		if minSeverity != "" && sevRank(a.Severity) < sevRank(minSeverity) {
			continue
		}
		out = append(out, *a)
	}
	return out
}
