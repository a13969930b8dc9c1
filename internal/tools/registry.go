// Package tools implements the Tool Registry & Dispatch (spec.md §4.7):
// declarative tool schemas validated with santhosh-tekuri/jsonschema/v6,
// risk-leveled dispatch, a hard per-call timeout, and typed Results so
// handler errors are observed by the ReAct loop rather than raised.
// Grounded on tools.Registry's original shape (name -> *Tool map, a
// Register/Dispatch pair, and a tag index for tool-set filtering), with
// the per-tool JSON-schema parameter blob promoted from a bare
// map[string]any into a compiled schema.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultTimeout bounds every handler invocation, per spec.md §4.7.
const DefaultTimeout = 30 * time.Second

// RiskLevel orders how dangerous a tool's effect is. Risk >= RiskMedium
// routes the call through the Action Approval sub-protocol instead of
// running the handler directly.
type RiskLevel int

const (
	RiskReadOnly RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskReadOnly:
		return "READ_ONLY"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// RequiresApproval reports whether dispatch must suspend for the Action
// Approval sub-protocol before running the tool.
func (r RiskLevel) RequiresApproval() bool { return r >= RiskMedium }

// DisplayType hints to the push layer and UI how to render a ToolResult.
type DisplayType string

const (
	DisplayLogViewer     DisplayType = "log_viewer"
	DisplayMetricsChart  DisplayType = "metrics_chart"
	DisplayProcessTable  DisplayType = "process_table"
	DisplayTable         DisplayType = "table"
	DisplayChart         DisplayType = "chart"
	DisplayCommandOutput DisplayType = "command_output"
	DisplayCodeBlock     DisplayType = "code_block"
	DisplayJSONTree      DisplayType = "json_tree"
)

// Handler executes a tool's effect. It must not panic for ordinary
// failures — return an error instead, which Dispatch converts into a
// Result. A panic is treated as a catastrophic fault and propagates out
// of Dispatch as an error, since only catastrophic faults may terminate
// the calling ReAct run.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one declarative entry in the Registry.
type Tool struct {
	Name        string
	Description string
	Risk        RiskLevel
	Display     DisplayType
	// ActionCommand, when non-empty, is the command template the Action
	// Engine executes once a risk>=MEDIUM tool is approved (spec.md
	// §4.9). READ_ONLY/LOW tools leave this empty and run Handler
	// directly.
	ActionCommand []string
	Handler       Handler

	schema *jsonschema.Schema
}

// Registry holds the declared tool set. It is safe for concurrent use;
// registration normally happens once at startup, dispatch happens
// continuously from ReAct runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles spec (a JSON-schema document as a Go value) and
// adds the tool under Name. It panics on a malformed schema — that is
// a startup-time programmer error, not a runtime dispatch condition.
func (r *Registry) Register(t Tool, schema map[string]any) {
	compiled, err := compileSchema(t.Name, schema)
	if err != nil {
		panic(fmt.Sprintf("tools: invalid schema for %q: %v", t.Name, err))
	}
	t.schema = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &t
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resourceURL := "mem://tools/" + name + ".json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns a snapshot of all registered tools, for the LLM's tool
// catalog.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
