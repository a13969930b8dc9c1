// Package classifier implements the Event Classifier (spec.md §4.4): a
// mostly pure function mapping a raw telemetry event to a severity,
// with small per-(host, signal) sliding-window counters for burst
// detection. The counters are kept behind a mutex, and field extraction from
// a log event's JSON payload uses tidwall/gjson for ad-hoc JSON field
// access.
package classifier

import (
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Severity is the classifier's output.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityNotable Severity = "NOTABLE"
	SeverityUrgent  Severity = "URGENT"
)

func (s Severity) rank() int {
	switch s {
	case SeverityNotable:
		return 1
	case SeverityUrgent:
		return 2
	default:
		return 0
	}
}

// Max returns the higher-ranked of a and b; ties resolve to the
// highest matched severity per spec.md §4.4.
func Max(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Event is the minimal shape the classifier needs. The Time-Series
// Store's store.Row and the ingestion endpoint's normalized event both
// convert into this.
type Event struct {
	Kind      string // log, metric, span, dependency, process, security-finding, sdk-event
	Source    string // host or service name
	Timestamp time.Time
	Payload   map[string]any
	PayloadJSON string // raw JSON form, for gjson field extraction on logs
}

// MetricThreshold fires NOTABLE/URGENT when a named metric crosses a
// configured value.
type MetricThreshold struct {
	MetricName     string
	NotableAbove   float64
	UrgentAbove    float64
}

// KeywordRule fires a severity when a log message contains one of
// Keywords (case-insensitive substring match, evaluated against the
// gjson path Field).
type KeywordRule struct {
	Field    string // gjson path within the log payload, e.g. "message"
	Keywords []string
	Severity Severity
}

// BurstRule fires Severity when at least MinCount events of Kind from
// the same (host, signal) arrive within Window.
type BurstRule struct {
	Kind     string
	Signal   string // payload field identifying what's bursting, e.g. "error_code"
	MinCount int
	Window   time.Duration
	Severity Severity
}

// Policy bundles the per-kind rules the classifier evaluates.
type Policy struct {
	MetricThresholds []MetricThreshold
	KeywordRules     []KeywordRule
	BurstRules       []BurstRule
	SecurityCheckTransitionSeverity Severity // security-finding state changes
	SDKExceptionSeverity            Severity // sdk-event kind "exception"
}

// DefaultPolicy is a reasonable baseline seeded at first start,
// mirroring the embed-then-load pattern of shipping sane defaults
// rather than requiring full operator configuration.
func DefaultPolicy() Policy {
	return Policy{
		MetricThresholds: []MetricThreshold{
			{MetricName: "cpu", NotableAbove: 80, UrgentAbove: 95},
			{MetricName: "memory", NotableAbove: 80, UrgentAbove: 95},
			{MetricName: "disk", NotableAbove: 85, UrgentAbove: 95},
		},
		KeywordRules: []KeywordRule{
			{Field: "message", Keywords: []string{"panic", "fatal", "out of memory"}, Severity: SeverityUrgent},
			{Field: "message", Keywords: []string{"error", "exception", "failed"}, Severity: SeverityNotable},
		},
		BurstRules: []BurstRule{
			{Kind: "log", Signal: "error_code", MinCount: 10, Window: 60 * time.Second, Severity: SeverityUrgent},
		},
		SecurityCheckTransitionSeverity: SeverityUrgent,
		SDKExceptionSeverity:            SeverityNotable,
	}
}

// windowKey identifies one sliding-window burst counter.
type windowKey struct {
	kind, host, signal string
}

// Classifier holds the small amount of state the pure classify
// function needs: sliding-window counters for burst rules, keyed by
// (kind, host, signal) and reset lazily at window expiry.
type Classifier struct {
	policy Policy

	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

// New constructs a Classifier with the given policy.
func New(policy Policy) *Classifier {
	return &Classifier{policy: policy, windows: make(map[windowKey][]time.Time)}
}

// Classify maps a raw event to a severity. It is the only stateful
// part of an otherwise pure function: burst counters are updated as a
// side effect of classification, exactly as a sliding window must be.
func (c *Classifier) Classify(e Event) Severity {
	sev := SeverityInfo

	switch e.Kind {
	case "metric":
		sev = Max(sev, c.classifyMetric(e))
	case "log":
		sev = Max(sev, c.classifyLog(e))
	case "security-finding":
		if isTransition(e.Payload) {
			sev = Max(sev, c.policy.SecurityCheckTransitionSeverity)
		}
	case "sdk-event":
		if t, _ := e.Payload["event_type"].(string); t == "exception" {
			sev = Max(sev, c.policy.SDKExceptionSeverity)
		}
	}

	sev = Max(sev, c.classifyBurst(e))
	return sev
}

func (c *Classifier) classifyMetric(e Event) Severity {
	name, _ := e.Payload["name"].(string)
	value, ok := toFloat(e.Payload["value"])
	if !ok {
		return SeverityInfo
	}
	for _, th := range c.policy.MetricThresholds {
		if th.MetricName != name {
			continue
		}
		if value >= th.UrgentAbove {
			return SeverityUrgent
		}
		if value >= th.NotableAbove {
			return SeverityNotable
		}
	}
	return SeverityInfo
}

func (c *Classifier) classifyLog(e Event) Severity {
	sev := SeverityInfo
	for _, rule := range c.policy.KeywordRules {
		var field string
		if e.PayloadJSON != "" {
			field = gjson.Get(e.PayloadJSON, rule.Field).String()
		} else if v, ok := e.Payload[rule.Field].(string); ok {
			field = v
		}
		for _, kw := range rule.Keywords {
			if strings.Contains(strings.ToLower(field), strings.ToLower(kw)) {
				sev = Max(sev, rule.Severity)
			}
		}
	}
	return sev
}

func (c *Classifier) classifyBurst(e Event) Severity {
	sev := SeverityInfo
	for _, rule := range c.policy.BurstRules {
		if rule.Kind != e.Kind {
			continue
		}
		signalVal, ok := e.Payload[rule.Signal]
		if !ok {
			continue
		}
		key := windowKey{kind: e.Kind, host: e.Source, signal: toString(signalVal)}

		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		c.mu.Lock()
		times := c.windows[key]
		cutoff := ts.Add(-rule.Window)
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		kept = append(kept, ts)
		c.windows[key] = kept
		count := len(kept)
		c.mu.Unlock()

		if count >= rule.MinCount {
			sev = Max(sev, rule.Severity)
		}
	}
	return sev
}

func isTransition(payload map[string]any) bool {
	from, okFrom := payload["from_state"]
	to, okTo := payload["to_state"]
	return okFrom && okTo && from != to
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

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
