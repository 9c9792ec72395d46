// Package policy implements the agent loop's tool-allowlist and org-settings
// gating (spec §4.4): `tools.allow` membership, the `tools.shellRunEnabled`
// org-settings flag for `shell.run`, and allowlist intersection for nested
// `team.delegate`/`team.map` loops. Ported from `agents/runtime/policy/policy.go`'s
// allow/deny-list shape (itself mirrored by `runtime/a2a/policy/policy.go`,
// read before the legacy `agents/` generation was pruned) before that
// package was deleted as part of the legacy-generation cleanup.
package policy

import (
	"github.com/flowbase/core/internal/coreerr"
)

// ShellRunToolID is the gated toolId spec §4.4 names explicitly.
const ShellRunToolID = "shell.run"

// DelegateToolIDs are excluded recursively from a teammate's effective
// allowlist (spec §4.4 "delegation tools are excluded recursively").
var DelegateToolIDs = map[string]bool{
	"team.delegate": true,
	"team.map":      true,
}

// OrgSettings gates org-wide feature flags consulted by the policy.
type OrgSettings struct {
	ShellRunEnabled bool
}

// Policy is the effective tool policy for one agent loop turn: an allowlist
// plus the org settings needed to evaluate gated tools.
type Policy struct {
	Allow    []string
	Settings OrgSettings
}

// New builds a Policy from an explicit allow list and the owning org's
// settings.
func New(allow []string, settings OrgSettings) *Policy {
	return &Policy{Allow: allow, Settings: settings}
}

// allowSet lazily builds a lookup set; Policy is small and short-lived
// (one per node execution) so no caching is warranted.
func (p *Policy) allowSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.Allow))
	for _, id := range p.Allow {
		set[id] = struct{}{}
	}
	return set
}

// Check validates toolID against the allowlist and any gated-tool flags,
// returning a *coreerr.Error with the matching code on denial (spec §4.4:
// TOOL_NOT_ALLOWED:<id>, TOOL_POLICY_DENIED:<id>).
func (p *Policy) Check(toolID string) error {
	if p == nil {
		return coreerr.New(coreerr.WithSuffix(coreerr.ToolNotAllowed, toolID), "no policy configured")
	}
	set := p.allowSet()
	if _, ok := set[toolID]; !ok {
		return coreerr.New(coreerr.WithSuffix(coreerr.ToolNotAllowed, toolID), "tool not in allow list")
	}
	if toolID == ShellRunToolID && !p.Settings.ShellRunEnabled {
		return coreerr.New(coreerr.WithSuffix(coreerr.ToolPolicyDenied, toolID), "shell.run disabled for this org")
	}
	return nil
}

// Intersect returns the policy a nested team.delegate/team.map loop should
// run under: the parent's allowlist intersected with the teammate's own
// allowlist, with every delegation tool excluded so delegation cannot nest
// indefinitely (spec §4.4).
func (p *Policy) Intersect(teammateAllow []string) *Policy {
	parentSet := p.allowSet()
	out := make([]string, 0, len(teammateAllow))
	for _, id := range teammateAllow {
		if DelegateToolIDs[id] {
			continue
		}
		if _, ok := parentSet[id]; ok {
			out = append(out, id)
		}
	}
	return &Policy{Allow: out, Settings: p.Settings}
}
