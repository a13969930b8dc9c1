package server

import (
	"time"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/catalog"
	"github.com/argus-observability/agentcore/internal/classifier"
)

// Domain types in internal/alerts and internal/catalog carry no JSON
// tags (they are query-mapped by database/sql column order, not
// marshaled directly). The wire DTOs below translate to the snake_case
// shape spec.md §6 names, the way ChatCompletionResponse/Choice/Usage
// are defined as separate wire types rather than marshaling
// agent.Request/agent.Result straight through.

// ruleDTO is the wire shape of an alerts.Rule.
type ruleDTO struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	EventKinds      []string `json:"event_kinds"`
	MinSeverity     string   `json:"min_severity"`
	MaxSeverity     string   `json:"max_severity,omitempty"`
	CooldownSeconds int64    `json:"cooldown_seconds"`
	AutoInvestigate bool     `json:"auto_investigate"`
	MutedUntil      *time.Time `json:"muted_until,omitempty"`
	NotifyChannel   string   `json:"notify_channel,omitempty"`
	DedupKeyExpr    string   `json:"dedup_key_expr,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ruleCreateRequest is the POST/PUT /rules body.
type ruleCreateRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	EventKinds      []string `json:"event_kinds"`
	MinSeverity     string   `json:"min_severity"`
	MaxSeverity     string   `json:"max_severity,omitempty"`
	CooldownSeconds int64    `json:"cooldown_seconds"`
	AutoInvestigate bool     `json:"auto_investigate"`
	NotifyChannel   string   `json:"notify_channel,omitempty"`
	DedupKeyExpr    string   `json:"dedup_key_expr,omitempty"`
}

func toRuleDTO(r alerts.Rule) ruleDTO {
	kinds := make([]string, 0, len(r.EventKinds))
	for k := range r.EventKinds {
		kinds = append(kinds, k)
	}
	return ruleDTO{
		ID:              r.ID,
		Name:            r.Name,
		EventKinds:      kinds,
		MinSeverity:     string(r.MinSeverity),
		MaxSeverity:     string(r.MaxSeverity),
		CooldownSeconds: int64(r.Cooldown / time.Second),
		AutoInvestigate: r.AutoInvestigate,
		MutedUntil:      r.MuteUntil,
		NotifyChannel:   r.NotifyChannel,
		DedupKeyExpr:    r.DedupKeyExpr,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (req ruleCreateRequest) toRule(now time.Time) alerts.Rule {
	kinds := make(map[string]bool, len(req.EventKinds))
	for _, k := range req.EventKinds {
		kinds[k] = true
	}
	return alerts.Rule{
		ID:              req.ID,
		Name:            req.Name,
		EventKinds:      kinds,
		MinSeverity:     classifier.Severity(req.MinSeverity),
		MaxSeverity:     classifier.Severity(req.MaxSeverity),
		Cooldown:        time.Duration(req.CooldownSeconds) * time.Second,
		AutoInvestigate: req.AutoInvestigate,
		NotifyChannel:   req.NotifyChannel,
		DedupKeyExpr:    req.DedupKeyExpr,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// alertDTO is the wire shape of an alerts.Alert.
type alertDTO struct {
	ID              string     `json:"id"`
	RuleID          string     `json:"rule_id"`
	DedupKey        string     `json:"dedup_key"`
	Severity        string     `json:"severity"`
	Title           string     `json:"title"`
	Summary         string     `json:"summary"`
	Source          string     `json:"source"`
	FiredAt         time.Time  `json:"fired_at"`
	Status          string     `json:"status"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	InvestigationID string     `json:"investigation_id,omitempty"`
}

func toAlertDTO(a alerts.Alert) alertDTO {
	return alertDTO{
		ID:              a.ID,
		RuleID:          a.RuleID,
		DedupKey:        a.DedupKey,
		Severity:        string(a.Severity),
		Title:           a.Title,
		Summary:         a.Summary,
		Source:          a.Source,
		FiredAt:         a.FiredAt,
		Status:          string(a.Status),
		ResolvedAt:      a.ResolvedAt,
		AcknowledgedAt:  a.AcknowledgedAt,
		AcknowledgedBy:  a.AcknowledgedBy,
		InvestigationID: a.InvestigationID,
	}
}

func toAlertDTOs(in []alerts.Alert) []alertDTO {
	out := make([]alertDTO, len(in))
	for i, a := range in {
		out[i] = toAlertDTO(a)
	}
	return out
}

// investigationDTO is the wire shape of a catalog.Investigation.
type investigationDTO struct {
	ID                string    `json:"id"`
	AlertID           string    `json:"alert_id"`
	RunID             string    `json:"run_id"`
	TokensUsed        int64     `json:"tokens_used"`
	TerminationReason string    `json:"termination_reason"`
	Narrative         string    `json:"narrative"`
	CreatedAt         time.Time `json:"created_at"`
}

func toInvestigationDTO(inv catalog.Investigation) investigationDTO {
	return investigationDTO{
		ID:                inv.ID,
		AlertID:           inv.AlertID,
		RunID:             inv.RunID,
		TokensUsed:        inv.TokensUsed,
		TerminationReason: inv.TerminationReason,
		Narrative:         inv.Narrative,
		CreatedAt:         inv.CreatedAt,
	}
}

func toInvestigationDTOs(in []catalog.Investigation) []investigationDTO {
	out := make([]investigationDTO, len(in))
	for i, inv := range in {
		out[i] = toInvestigationDTO(inv)
	}
	return out
}

// auditEntryDTO is the wire shape of a catalog.AuditEntry.
type auditEntryDTO struct {
	Seq        int64     `json:"seq"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

func toAuditEntryDTOs(in []catalog.AuditEntry) []auditEntryDTO {
	out := make([]auditEntryDTO, len(in))
	for i, e := range in {
		out[i] = auditEntryDTO{
			Seq:        e.Seq,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Action:     e.Action,
			Actor:      e.Actor,
			Detail:     e.Detail,
			RecordedAt: e.RecordedAt,
		}
	}
	return out
}
