// Package catalog implements the relational catalog store named in
// spec.md §6: rules, alerts, investigations, an append-only audit log,
// and hashed API-key credentials. Telemetry lives in internal/store;
// catalog holds everything else that is "mutated via operator
// endpoints." Grounded on the database/sql usage in
// internal/usage/store.go for the Go-side query shape, and on
// vanducng-goclaw's cmd/migrate.go for golang-migrate + pgx/v5/stdlib
// wiring in production. A modernc.org/sqlite-backed mode (OpenSQLite)
// covers local development and tests without a Postgres instance; the
// caller picks the mode by calling OpenPostgres or OpenSQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/authn"
	"github.com/argus-observability/agentcore/internal/classifier"
	"github.com/argus-observability/agentcore/internal/investigation"
)

// Store is the catalog's single entry point. All methods are safe for
// concurrent use; Postgres serializes writes via its own MVCC, SQLite
// via database/sql's connection pool plus WAL mode.
type Store struct {
	db      *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// OpenPostgres attaches to a production catalog database at dsn. The
// schema itself is expected to already be applied via `argusd migrate
// up` (migrations/*.sql) rather than created here, since production
// deployments own their own migration lifecycle.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog postgres: %w", err)
	}
	return &Store{db: db, dialect: dialectPostgres}, nil
}

// OpenSQLite attaches to (creating if absent) a local catalog database
// at path, applying the schema inline — the same self-migrating
// convenience internal/store.Open provides for the time-series store.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog sqlite: %w", err)
	}
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.migrateSQLite(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrateSQLite() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, event_kinds TEXT NOT NULL,
		min_severity TEXT NOT NULL, max_severity TEXT NOT NULL DEFAULT '',
		cooldown_seconds INTEGER NOT NULL DEFAULT 0, auto_investigate INTEGER NOT NULL DEFAULT 0,
		mute_until TEXT, notify_channel TEXT NOT NULL DEFAULT '', dedup_key_expr TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL, updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY, rule_id TEXT NOT NULL, dedup_key TEXT NOT NULL,
		severity TEXT NOT NULL, title TEXT NOT NULL, summary TEXT NOT NULL, source TEXT NOT NULL,
		fired_at TEXT NOT NULL, status TEXT NOT NULL, resolved_at TEXT, acknowledged_at TEXT,
		acknowledged_by TEXT NOT NULL DEFAULT '', investigation_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, fired_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id, dedup_key);
	CREATE TABLE IF NOT EXISTS investigations (
		id TEXT PRIMARY KEY, alert_id TEXT NOT NULL, run_id TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0, termination_reason TEXT NOT NULL DEFAULT '',
		narrative TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT, entity_kind TEXT NOT NULL, entity_id TEXT NOT NULL,
		action TEXT NOT NULL, actor TEXT NOT NULL DEFAULT '', detail TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id, recorded_at);
	CREATE TABLE IF NOT EXISTS credentials (
		key_id TEXT PRIMARY KEY, hashed_key TEXT NOT NULL, tenant TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL, revoked INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.Exec(schema)
	return err
}

// placeholder returns the driver-appropriate positional parameter for
// argument index n (1-based): $1 for Postgres, ? for SQLite.
func (s *Store) placeholder(n int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func formatEventKinds(kinds map[string]bool) string {
	names := make([]string, 0, len(kinds))
	for k, on := range kinds {
		if on {
			names = append(names, k)
		}
	}
	return strings.Join(names, ",")
}

func parseEventKinds(s string) map[string]bool {
	kinds := make(map[string]bool)
	if s == "" {
		return kinds
	}
	for _, k := range strings.Split(s, ",") {
		kinds[k] = true
	}
	return kinds
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- Rules ---

// UpsertRule creates r if absent or replaces its mutable fields if present.
func (s *Store) UpsertRule(ctx context.Context, r alerts.Rule) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO rules (id, name, event_kinds, min_severity, max_severity, cooldown_seconds,
			auto_investigate, mute_until, notify_channel, dedup_key_expr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, event_kinds = excluded.event_kinds,
			min_severity = excluded.min_severity, max_severity = excluded.max_severity,
			cooldown_seconds = excluded.cooldown_seconds, auto_investigate = excluded.auto_investigate,
			mute_until = excluded.mute_until, notify_channel = excluded.notify_channel,
			dedup_key_expr = excluded.dedup_key_expr, updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, formatEventKinds(r.EventKinds), string(r.MinSeverity), string(r.MaxSeverity),
		int64(r.Cooldown/time.Second), r.AutoInvestigate, timeOrNil(r.MuteUntil), r.NotifyChannel,
		r.DedupKeyExpr, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM rules WHERE id = ?`), id)
	return err
}

// GetRule fetches one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (alerts.Rule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, event_kinds, min_severity, max_severity, cooldown_seconds,
			auto_investigate, mute_until, notify_channel, dedup_key_expr, created_at, updated_at
		FROM rules WHERE id = ?`), id)
	return scanRule(row)
}

// ListRules returns every rule in the catalog.
func (s *Store) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, event_kinds, min_severity, max_severity, cooldown_seconds,
			auto_investigate, mute_until, notify_channel, dedup_key_expr, created_at, updated_at
		FROM rules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (alerts.Rule, error) {
	var r alerts.Rule
	var kinds, minSev, maxSev string
	var cooldownSeconds int64
	var muteUntil sql.NullTime

	if err := row.Scan(&r.ID, &r.Name, &kinds, &minSev, &maxSev, &cooldownSeconds,
		&r.AutoInvestigate, &muteUntil, &r.NotifyChannel, &r.DedupKeyExpr, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return alerts.Rule{}, err
	}
	r.EventKinds = parseEventKinds(kinds)
	r.MinSeverity = classifier.Severity(minSev)
	r.MaxSeverity = classifier.Severity(maxSev)
	r.Cooldown = time.Duration(cooldownSeconds) * time.Second
	if muteUntil.Valid {
		t := muteUntil.Time
		r.MuteUntil = &t
	}
	return r, nil
}

// --- Alerts ---

// UpsertAlert creates or replaces an alert record.
func (s *Store) UpsertAlert(ctx context.Context, a alerts.Alert) error {
	query := s.rebind(`
		INSERT INTO alerts (id, rule_id, dedup_key, severity, title, summary, source, fired_at,
			status, resolved_at, acknowledged_at, acknowledged_by, investigation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, resolved_at = excluded.resolved_at,
			acknowledged_at = excluded.acknowledged_at, acknowledged_by = excluded.acknowledged_by,
			investigation_id = excluded.investigation_id`)
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.RuleID, a.DedupKey, string(a.Severity), a.Title, a.Summary, a.Source, a.FiredAt,
		string(a.Status), timeOrNil(a.ResolvedAt), timeOrNil(a.AcknowledgedAt), a.AcknowledgedBy, a.InvestigationID,
	)
	return err
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status   alerts.Status
	Severity classifier.Severity
	Page     int
	PageSize int
}

// ListAlerts returns alerts matching f, newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]alerts.Alert, error) {
	if f.PageSize <= 0 {
		f.PageSize = 50
	}
	if f.Page < 1 {
		f.Page = 1
	}

	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	query := s.rebind(fmt.Sprintf(`
		SELECT id, rule_id, dedup_key, severity, title, summary, source, fired_at, status,
			resolved_at, acknowledged_at, acknowledged_by, investigation_id
		FROM alerts %s ORDER BY fired_at DESC LIMIT ? OFFSET ?`, where))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (alerts.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, rule_id, dedup_key, severity, title, summary, source, fired_at, status,
			resolved_at, acknowledged_at, acknowledged_by, investigation_id
		FROM alerts WHERE id = ?`), id)
	return scanAlert(row)
}

func scanAlert(row scanner) (alerts.Alert, error) {
	var a alerts.Alert
	var severity, status string
	var resolvedAt, acknowledgedAt sql.NullTime

	if err := row.Scan(&a.ID, &a.RuleID, &a.DedupKey, &severity, &a.Title, &a.Summary, &a.Source,
		&a.FiredAt, &status, &resolvedAt, &acknowledgedAt, &a.AcknowledgedBy, &a.InvestigationID); err != nil {
		return alerts.Alert{}, err
	}
	a.Severity = classifier.Severity(severity)
	a.Status = alerts.Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		a.AcknowledgedAt = &t
	}
	return a, nil
}

// --- Investigations ---

// Investigation is a completed ReAct investigation summary, persisted
// on investigation_end (SPEC_FULL.md supplemented feature).
type Investigation struct {
	ID                string
	AlertID           string
	RunID             string
	TokensUsed        int64
	TerminationReason string
	Narrative         string
	CreatedAt         time.Time
}

// InsertInvestigation records a completed investigation.
func (s *Store) InsertInvestigation(ctx context.Context, inv Investigation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO investigations (id, alert_id, run_id, tokens_used, termination_reason, narrative, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		inv.ID, inv.AlertID, inv.RunID, inv.TokensUsed, inv.TerminationReason, inv.Narrative, inv.CreatedAt)
	return err
}

// ListInvestigations returns investigations newest first, paginated.
func (s *Store) ListInvestigations(ctx context.Context, page, pageSize int) ([]Investigation, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, alert_id, run_id, tokens_used, termination_reason, narrative, created_at
		FROM investigations ORDER BY created_at DESC LIMIT ? OFFSET ?`), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Investigation
	for rows.Next() {
		var inv Investigation
		if err := rows.Scan(&inv.ID, &inv.AlertID, &inv.RunID, &inv.TokensUsed,
			&inv.TerminationReason, &inv.Narrative, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvestigationRecorder adapts Store to investigation.Recorder.
type InvestigationRecorder struct{ Store *Store }

// InsertInvestigation implements investigation.Recorder.
func (r InvestigationRecorder) InsertInvestigation(ctx context.Context, investigationID string, s investigation.Summary) error {
	return r.Store.InsertInvestigation(ctx, Investigation{
		ID:                investigationID,
		AlertID:           s.AlertID,
		RunID:             s.RunID,
		TokensUsed:        s.TokensUsed,
		TerminationReason: s.TerminationReason,
		Narrative:         s.Narrative,
	})
}

// --- Audit log ---

// AuditEntry is one append-only audit record. Seq is monotonic and
// assigned by the database.
type AuditEntry struct {
	Seq        int64
	EntityKind string
	EntityID   string
	Action     string
	Actor      string
	Detail     string
	RecordedAt time.Time
}

// Append records a structured audit entry.
func (s *Store) Append(ctx context.Context, entry AuditEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_log (entity_kind, entity_id, action, actor, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		entry.EntityKind, entry.EntityID, entry.Action, entry.Actor, entry.Detail, entry.RecordedAt)
	return err
}

// AuditAdapter narrows Store to the flat (entity, action, actor,
// detail string) shape actions.AuditLog and alerts.AuditLog both
// declare, so the Action Engine and Alert Engine can share one
// catalog-backed audit trail without depending on catalog.AuditEntry.
type AuditAdapter struct{ Store *Store }

// Append implements actions.AuditLog and alerts.AuditLog. entity is
// split into kind/id on the first colon (e.g. "alert:a-123"), or
// stored whole as entity_kind if there is none.
func (a AuditAdapter) Append(ctx context.Context, entity, action, actor, detail string) error {
	kind, id := entity, ""
	if idx := strings.IndexByte(entity, ':'); idx >= 0 {
		kind, id = entity[:idx], entity[idx+1:]
	}
	return a.Store.Append(ctx, AuditEntry{EntityKind: kind, EntityID: id, Action: action, Actor: actor, Detail: detail})
}

// QueryAudit returns audit entries for an entity kind (optional) and
// since a timestamp, oldest first, bounded by limit.
func (s *Store) QueryAudit(ctx context.Context, entityKind string, since time.Time, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var conds []string
	var args []any
	if entityKind != "" {
		conds = append(conds, "entity_kind = ?")
		args = append(args, entityKind)
	}
	if !since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, since.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)

	query := s.rebind(fmt.Sprintf(`
		SELECT seq, entity_kind, entity_id, action, actor, detail, recorded_at
		FROM audit_log %s ORDER BY seq ASC LIMIT ?`, where))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Seq, &e.EntityKind, &e.EntityID, &e.Action, &e.Actor, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Credentials ---

// Credential is one hashed API key record.
type Credential struct {
	KeyID       string
	HashedKey   string
	Tenant      string
	Description string
	CreatedAt   time.Time
	Revoked     bool
}

// InsertCredential stores a newly issued API key's bcrypt hash.
func (s *Store) InsertCredential(ctx context.Context, c Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO credentials (key_id, hashed_key, tenant, description, created_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)`),
		c.KeyID, c.HashedKey, c.Tenant, c.Description, c.CreatedAt, c.Revoked)
	return err
}

// GetCredential fetches one credential by its key id.
func (s *Store) GetCredential(ctx context.Context, keyID string) (Credential, error) {
	var c Credential
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT key_id, hashed_key, tenant, description, created_at, revoked
		FROM credentials WHERE key_id = ?`), keyID)
	err := row.Scan(&c.KeyID, &c.HashedKey, &c.Tenant, &c.Description, &c.CreatedAt, &c.Revoked)
	return c, err
}

// RevokeCredential marks a credential as revoked.
func (s *Store) RevokeCredential(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE credentials SET revoked = ? WHERE key_id = ?`), true, keyID)
	return err
}

// CredentialAdapter narrows Store to authn.CredentialStore, converting
// between the catalog's Credential and authn's storage-agnostic copy.
type CredentialAdapter struct{ Store *Store }

// InsertCredential implements authn.CredentialStore.
func (a CredentialAdapter) InsertCredential(ctx context.Context, c authn.Credential) error {
	return a.Store.InsertCredential(ctx, Credential{
		KeyID:       c.KeyID,
		HashedKey:   c.HashedKey,
		Tenant:      c.Tenant,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		Revoked:     c.Revoked,
	})
}

// GetCredential implements authn.CredentialStore.
func (a CredentialAdapter) GetCredential(ctx context.Context, keyID string) (authn.Credential, error) {
	c, err := a.Store.GetCredential(ctx, keyID)
	if err != nil {
		return authn.Credential{}, err
	}
	return authn.Credential{
		KeyID:       c.KeyID,
		HashedKey:   c.HashedKey,
		Tenant:      c.Tenant,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		Revoked:     c.Revoked,
	}, nil
}

// RevokeCredential implements authn.CredentialStore.
func (a CredentialAdapter) RevokeCredential(ctx context.Context, keyID string) error {
	return a.Store.RevokeCredential(ctx, keyID)
}
