package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/argus-observability/agentcore/internal/store"
)

// RegisterStoreTools adds the read-only time-series tools every ReAct
// run gets by default: querying raw rows and aggregating them into
// buckets, both against the Time-Series Store (spec.md §4.3).
func RegisterStoreTools(r *Registry, s *store.Store) {
	r.Register(Tool{
		Name:        "query_telemetry",
		Description: "Query raw rows from the time-series store (system metrics, logs, SDK events, spans, dependency calls, SDK metrics, or deploy events) within a time window, optionally filtered by a JSONPath expression over the payload.",
		Risk:        RiskReadOnly,
		Display:     DisplayTable,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			kind := store.Kind(stringArg(args, "kind", ""))
			f := store.Filter{
				Tenant:   stringArg(args, "tenant", ""),
				Source:   stringArg(args, "source", ""),
				JSONPath: stringArg(args, "jsonpath", ""),
				Limit:    intArg(args, "limit", store.DefaultLimit),
			}
			if w, ok := parseWindowArgs(args); ok {
				f.Window = w
			}
			result, err := s.Query(ctx, kind, f)
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{
				"type": "string",
				"enum": []string{"system_metric", "log", "sdk_event", "span", "dependency_call", "sdk_metric", "deploy_event"},
			},
			"tenant":        map[string]any{"type": "string"},
			"source":        map[string]any{"type": "string"},
			"jsonpath":      map[string]any{"type": "string", "description": "JSONPath expression applied to each row's payload, e.g. $[?(@.severity=='error')]"},
			"start":         map[string]any{"type": "string", "description": "RFC3339 window start"},
			"end":           map[string]any{"type": "string", "description": "RFC3339 window end"},
			"limit":         map[string]any{"type": "integer", "minimum": 1, "maximum": 5000},
		},
		"required": []string{"kind"},
	})

	r.Register(Tool{
		Name:        "aggregate_telemetry",
		Description: "Bucket time-series rows into fixed-width time buckets, optionally grouped by a payload field, returning count/sum/average per bucket. Use for trend and spike analysis.",
		Risk:        RiskReadOnly,
		Display:     DisplayMetricsChart,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			kind := store.Kind(stringArg(args, "kind", ""))
			req := store.AggregateRequest{
				Kind:        kind,
				ValueField:  stringArg(args, "value_field", ""),
				GroupBy:     stringArg(args, "group_by", ""),
				BucketWidth: time.Duration(intArg(args, "bucket_width_seconds", 60)) * time.Second,
			}
			if w, ok := parseWindowArgs(args); ok {
				req.Window = w
			}
			buckets, err := s.Aggregate(ctx, req)
			if err != nil {
				return nil, err
			}
			return buckets, nil
		},
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind":                 map[string]any{"type": "string"},
			"value_field":          map[string]any{"type": "string"},
			"group_by":             map[string]any{"type": "string"},
			"bucket_width_seconds": map[string]any{"type": "integer", "minimum": 1},
			"start":                map[string]any{"type": "string"},
			"end":                  map[string]any{"type": "string"},
		},
		"required": []string{"kind", "start", "end"},
	})
}

func parseWindowArgs(args map[string]any) (store.Window, bool) {
	startS := stringArg(args, "start", "")
	endS := stringArg(args, "end", "")
	if startS == "" || endS == "" {
		return store.Window{}, false
	}
	start, err1 := time.Parse(time.RFC3339, startS)
	end, err2 := time.Parse(time.RFC3339, endS)
	if err1 != nil || err2 != nil {
		return store.Window{}, false
	}
	return store.Window{Start: start, End: end}, true
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// RegisterShellTool adds the shell_command tool, gated at RiskHigh so
// every invocation suspends for the Action Approval sub-protocol
// (spec.md §4.9) before internal/actions ever runs it.
func RegisterShellTool(r *Registry) {
	r.Register(Tool{
		Name:          "shell_command",
		Description:   "Run a shell command on the host for diagnostics (e.g. process listing, disk usage). Requires operator approval before execution.",
		Risk:          RiskHigh,
		Display:       DisplayCommandOutput,
		ActionCommand: nil, // filled in per-call from args by the Action Engine
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("shell_command must be dispatched through the action gateway")
		},
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run"},
		},
		"required": []string{"command"},
	})
}
