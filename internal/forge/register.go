package forge

import (
	"context"

	"github.com/argus-observability/agentcore/internal/tools"
)

// RegisterTools adds the forge tool subset an investigation run uses to
// correlate an alert with recent code changes: listing/inspecting pull
// requests (a merged-PR-to-main is treated as a deploy proxy, since
// GitHub has no first-class "deployment" object the pack wires up
// elsewhere), and filing or commenting on issues to record findings.
// Write-heavy operations the package also implements (merge, review
// submission, reactions, review requests) are left unregistered: they
// read as code-review actions, not observability-agent ones, and
// spec.md's tool surface has no use for them today.
func RegisterTools(r *tools.Registry, ft *Tools) {
	r.Register(tools.Tool{
		Name:        "forge_list_prs",
		Description: "List recent pull requests on a forge repository. Recently merged PRs to the base branch are the closest proxy this tool has for \"what deployed recently\" when correlating with an alert's onset time.",
		Risk:        tools.RiskReadOnly,
		Display:     tools.DisplayTable,
		Handler:     wrap(ft.HandlePRList),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account":   map[string]any{"type": "string", "description": "Configured forge account name; omit to use the default"},
			"repo":      map[string]any{"type": "string", "description": "owner/repo, or bare repo name if the account has a default owner"},
			"state":     map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}},
			"base":      map[string]any{"type": "string", "description": "Base branch, e.g. main"},
			"sort":      map[string]any{"type": "string"},
			"direction": map[string]any{"type": "string", "enum": []string{"asc", "desc"}},
			"limit":     map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			"page":      map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"repo"},
	})

	r.Register(tools.Tool{
		Name:        "forge_pr_diff",
		Description: "Fetch the unified diff for a pull request, to check whether a specific file or symbol implicated in an alert was touched by a recent change.",
		Risk:        tools.RiskReadOnly,
		Display:     tools.DisplayCodeBlock,
		Handler:     wrap(ft.HandlePRDiff),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account":   map[string]any{"type": "string"},
			"repo":      map[string]any{"type": "string"},
			"number":    map[string]any{"type": "integer"},
			"max_lines": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"repo", "number"},
	})

	r.Register(tools.Tool{
		Name:        "forge_pr_commits",
		Description: "List commits on a pull request, newest context first.",
		Risk:        tools.RiskReadOnly,
		Display:     tools.DisplayTable,
		Handler:     wrap(ft.HandlePRCommits),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account": map[string]any{"type": "string"},
			"repo":    map[string]any{"type": "string"},
			"number":  map[string]any{"type": "integer"},
		},
		"required": []string{"repo", "number"},
	})

	r.Register(tools.Tool{
		Name:        "forge_pr_checks",
		Description: "List CI check runs for a pull request, to rule in/out a failed or still-running deploy pipeline as the cause of an alert.",
		Risk:        tools.RiskReadOnly,
		Display:     tools.DisplayTable,
		Handler:     wrap(ft.HandlePRChecks),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account": map[string]any{"type": "string"},
			"repo":    map[string]any{"type": "string"},
			"number":  map[string]any{"type": "integer"},
		},
		"required": []string{"repo", "number"},
	})

	r.Register(tools.Tool{
		Name:        "forge_search",
		Description: "Search issues, code, or commits on a forge account for a keyword (e.g. an error message or function name surfaced in an alert).",
		Risk:        tools.RiskReadOnly,
		Display:     tools.DisplayTable,
		Handler:     wrap(ft.HandleSearch),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account": map[string]any{"type": "string"},
			"query":   map[string]any{"type": "string"},
			"kind":    map[string]any{"type": "string", "enum": []string{"issues", "code", "commits"}},
			"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
		},
		"required": []string{"query", "kind"},
	})

	r.Register(tools.Tool{
		Name:        "forge_issue_create",
		Description: "File a tracking issue for an investigation's findings. Requires operator approval since it's a visible write against the forge.",
		Risk:        tools.RiskMedium,
		Display:     tools.DisplayCodeBlock,
		Handler:     wrap(ft.HandleIssueCreate),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account":   map[string]any{"type": "string"},
			"repo":      map[string]any{"type": "string"},
			"title":     map[string]any{"type": "string"},
			"body":      map[string]any{"type": "string"},
			"labels":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"assignees": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"repo", "title"},
	})

	r.Register(tools.Tool{
		Name:        "forge_issue_comment",
		Description: "Post a comment on an existing issue or pull request, e.g. to attach an investigation summary. Requires operator approval.",
		Risk:        tools.RiskMedium,
		Display:     tools.DisplayCodeBlock,
		Handler:     wrap(ft.HandleIssueComment),
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"account": map[string]any{"type": "string"},
			"repo":    map[string]any{"type": "string"},
			"number":  map[string]any{"type": "integer"},
			"body":    map[string]any{"type": "string"},
		},
		"required": []string{"repo", "number", "body"},
	})
}

// wrap adapts a Tools Handle* method (ctx, args) (string, error) to the
// tools.Handler (ctx, args) (any, error) shape the registry expects.
func wrap(h func(context.Context, map[string]any) (string, error)) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return h(ctx, args)
	}
}
