package server

import (
	"sort"
	"strings"

	"github.com/dbt-labs/dbt-mcp/internal/config"
)

// PermissionResult represents the result of a permission check.
type PermissionResult int

const (
	// PermissionAllow indicates the tool is explicitly enabled.
	PermissionAllow PermissionResult = iota
	// PermissionDeny indicates the tool is explicitly disabled.
	PermissionDeny
	// PermissionDefault indicates no explicit rule; toolset and allow-list decide.
	PermissionDefault
)

// String returns a string representation of the permission result.
func (p PermissionResult) String() string {
	switch p {
	case PermissionAllow:
		return "allow"
	case PermissionDeny:
		return "deny"
	default:
		return "default"
	}
}

// CheckPermission evaluates the explicit rules for a tool.
//
// Evaluation order:
// 1. Tool in the enable list → Allow
// 2. Tool in the disable list → Deny
// 3. Otherwise → Default
func CheckPermission(policy config.ToolPolicy, toolName string) PermissionResult {
	name := normalizeToolName(toolName)
	if policy.Enable[name] {
		return PermissionAllow
	}
	if policy.Disable[name] {
		return PermissionDeny
	}
	return PermissionDefault
}

// IsToolAllowed decides whether a tool is offered.
//
// Evaluation order:
// 1. Explicit enable or disable entry → use it
// 2. Toolset disabled → deny
// 3. An enable list exists and the tool is not on it → deny
// 4. Otherwise → allow
func IsToolAllowed(policy config.ToolPolicy, tool Tool) (bool, string) {
	switch CheckPermission(policy, tool.Name) {
	case PermissionAllow:
		return true, ""
	case PermissionDeny:
		return false, "tool is disabled"
	}
	if policy.DisabledToolsets[tool.Toolset] {
		return false, "toolset " + string(tool.Toolset) + " is disabled"
	}
	if len(policy.Enable) > 0 {
		return false, "tool is not in the enable list"
	}
	return true, ""
}

// unknownToolNames lists names in the policy that match no registered tool.
func unknownToolNames(policy config.ToolPolicy, registry *Registry) []string {
	known := make(map[string]bool)
	for _, tool := range registry.Tools() {
		known[normalizeToolName(tool.Name)] = true
	}
	seen := make(map[string]bool)
	var unknown []string
	for _, set := range []map[string]bool{policy.Enable, policy.Disable} {
		for name := range set {
			if !known[name] && !seen[name] {
				seen[name] = true
				unknown = append(unknown, name)
			}
		}
	}
	sort.Strings(unknown)
	return unknown
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
