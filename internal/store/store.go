// Package store implements the Time-Series Store (spec.md §4.3): a
// single append/query/aggregate/purge interface over seven logical
// tables — system metrics, log index, SDK events, spans, dependency
// calls, SDK metrics, and deploy events. It is grounded on the
// append-only usage ledger shape in internal/usage/store.go,
// generalized from one table to seven and from a single Summary
// aggregate to windowed, time-bucketed count/sum/average aggregates.
// Aggregate computes no histograms or percentiles.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("argus/store")

// Kind identifies one of the seven logical tables.
type Kind string

const (
	KindSystemMetric  Kind = "system_metric"
	KindLog           Kind = "log"
	KindSDKEvent      Kind = "sdk_event"
	KindSpan          Kind = "span"
	KindDependency    Kind = "dependency_call"
	KindSDKMetric     Kind = "sdk_metric"
	KindDeployEvent   Kind = "deploy_event"
)

var allKinds = []Kind{
	KindSystemMetric, KindLog, KindSDKEvent, KindSpan,
	KindDependency, KindSDKMetric, KindDeployEvent,
}

func tableName(k Kind) (string, error) {
	switch k {
	case KindSystemMetric:
		return "system_metrics", nil
	case KindLog:
		return "log_index", nil
	case KindSDKEvent:
		return "sdk_events", nil
	case KindSpan:
		return "spans", nil
	case KindDependency:
		return "dependency_calls", nil
	case KindSDKMetric:
		return "sdk_metrics", nil
	case KindDeployEvent:
		return "deploy_events", nil
	default:
		return "", fmt.Errorf("store: unknown kind %q", k)
	}
}

// Row is one record appended to or returned from a logical table.
// Payload is kind-specific JSON, queried with jsonpath filters/projections.
type Row struct {
	ID        string
	Timestamp time.Time
	Tenant    string
	Source    string
	Payload   map[string]any
}

// QueryDeadline bounds every query/aggregate call per spec.md §4.3.
const QueryDeadline = 5 * time.Second

// HighWaterMark is the pending-write queue depth above which the
// Ingestion Endpoint should start returning backpressure responses.
const HighWaterMark = 5000

// Store is the sole source of truth for historical tool queries. All
// public methods are safe for concurrent use; writes are serialized by
// SQLite's own locking, reads proceed concurrently (WAL mode).
type Store struct {
	db       *sql.DB
	pending  chan struct{} // depth gauge: buffered channel used as a counter
}

// Open creates or attaches to a time-series store at dbPath. The
// schema for all seven logical tables is created on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open time-series database: %w", err)
	}

	s := &Store{db: db, pending: make(chan struct{}, HighWaterMark)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate time-series schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var sb strings.Builder
	for _, k := range allKinds {
		table, _ := tableName(k)
		fmt.Fprintf(&sb, `
		CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			tenant    TEXT NOT NULL DEFAULT '',
			source    TEXT NOT NULL,
			payload   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_time ON %s(tenant, timestamp);
		CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(source, timestamp);
		`, table, table, table, table, table)
	}
	_, err := s.db.Exec(sb.String())
	return err
}

// PendingWrites reports the current write-queue depth, used by the
// Ingestion Endpoint to decide when to return 429 with Retry-After.
func (s *Store) PendingWrites() int { return len(s.pending) }

// Append batch-inserts rows into kind's table atomically: either all
// rows are durably handed off to SQLite or none are. Returns the
// number of rows actually inserted (equal to len(rows) on success).
func (s *Store) Append(ctx context.Context, kind Kind, rows []Row) (int, error) {
	table, err := tableName(kind)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	select {
	case s.pending <- struct{}{}:
		defer func() { <-s.pending }()
	default:
		return 0, fmt.Errorf("store: write queue at high-water mark (%d)", HighWaterMark)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, timestamp, tenant, source, payload) VALUES (?, ?, ?, ?, ?)`, table))
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		if rows[i].ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return 0, fmt.Errorf("generate row id: %w", err)
			}
			rows[i].ID = id.String()
		}
		if rows[i].Timestamp.IsZero() {
			rows[i].Timestamp = time.Now().UTC()
		}
		payload, err := marshalPayload(rows[i].Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rows[i].ID, rows[i].Timestamp.UTC().Format(time.RFC3339Nano), rows[i].Tenant, rows[i].Source, payload); err != nil {
			return 0, fmt.Errorf("insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}
	return len(rows), nil
}

// Filter bounds a Query call. JSONPath, when non-empty, is evaluated
// against each candidate row's payload; rows where the expression
// errors or yields no results are excluded.
type Filter struct {
	Tenant    string
	Source    string
	Window    Window
	JSONPath  string
	Limit     int // 0 means DefaultLimit
}

// Window bounds a query or aggregate by [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// DefaultLimit caps unbounded queries so a single tool call cannot
// pull unbounded history into the ReAct loop's context.
const DefaultLimit = 500

// Result is a bounded query result set; Truncated reports whether more
// rows existed beyond Limit.
type Result struct {
	Rows      []Row
	Truncated bool
}

// Query returns rows for kind matching filter, most recent first.
func (s *Store) Query(ctx context.Context, kind Kind, f Filter) (*Result, error) {
	ctx, span := tracer.Start(ctx, "store.Query", trace.WithAttributes(
		attribute.String("argus.kind", string(kind)),
	))
	defer span.End()

	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, QueryDeadline)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := fmt.Sprintf(`SELECT id, timestamp, tenant, source, payload FROM %s WHERE timestamp >= ? AND timestamp < ?`, table)
	args := []any{f.Window.Start.UTC().Format(time.RFC3339Nano), f.Window.End.UTC().Format(time.RFC3339Nano)}
	if f.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, f.Tenant)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit+1) // fetch one extra to detect truncation

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var ts, payload string
		if err := rows.Scan(&r.ID, &ts, &r.Tenant, &r.Source, &payload); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", kind, err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.Payload, err = unmarshalPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		if f.JSONPath != "" && !matchesJSONPath(r.Payload, f.JSONPath) {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	return &Result{Rows: out, Truncated: truncated}, nil
}

// matchesJSONPath reports whether expr evaluated against payload
// yields at least one non-empty result. Errors (missing field,
// malformed expression) exclude the row rather than propagate, since a
// single bad filter should not fail an entire query.
func matchesJSONPath(payload map[string]any, expr string) bool {
	v, err := jsonpath.Get(expr, payload)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// Aggregate buckets rows in window into fixed-size time buckets and
// computes count/sum/avg for a numeric payload field, optionally
// grouped by another field's string value.
type AggregateRequest struct {
	Kind        Kind
	Window      Window
	BucketWidth time.Duration
	ValueField  string // payload field to sum/average; "" counts rows only
	GroupBy     string // payload field to group by; "" means ungrouped
}

// Bucket is one time-bucketed, optionally grouped, aggregate result.
type Bucket struct {
	Start   time.Time
	Group   string
	Count   int64
	Sum     float64
	Average float64
}

func (s *Store) Aggregate(ctx context.Context, req AggregateRequest) ([]Bucket, error) {
	res, err := s.Query(ctx, req.Kind, Filter{Window: req.Window, Limit: 1_000_000})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, QueryDeadline)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := req.BucketWidth
	if width <= 0 {
		width = time.Minute
	}

	type key struct {
		bucket time.Time
		group  string
	}
	buckets := make(map[key]*Bucket)

	for _, row := range res.Rows {
		bucketStart := row.Timestamp.Truncate(width)
		group := ""
		if req.GroupBy != "" {
			if v, ok := row.Payload[req.GroupBy]; ok {
				group = fmt.Sprintf("%v", v)
			}
		}
		k := key{bucket: bucketStart, group: group}
		b, ok := buckets[k]
		if !ok {
			b = &Bucket{Start: bucketStart, Group: group}
			buckets[k] = b
		}
		b.Count++
		if req.ValueField != "" {
			if v, ok := row.Payload[req.ValueField]; ok {
				if f, ok := toFloat(v); ok {
					b.Sum += f
				}
			}
		}
	}

	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Count > 0 {
			b.Average = b.Sum / float64(b.Count)
		}
		out = append(out, *b)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Purge deletes rows older than retention for every logical table.
// Returns the total number of rows removed.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	var total int64
	for _, k := range allKinds {
		table, _ := tableName(k)
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", k, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
