package issue

import (
	"strings"

	"github.com/autodev/autodev/internal/agents"
)

// builtinApps are available to every agent without a user connection.
var builtinApps = map[string]bool{
	"file":        true,
	"code":        true,
	"search":      true,
	"browser":     true,
	"stagehand":   true,
	"browserbase": true,
	"todo.mdx":    true,
}

// ToolCheck is the outcome of evaluating required tools against an agent's
// declared patterns.
type ToolCheck struct {
	Available []string
	Missing   []string
}

// CheckTools evaluates each required tool against the agent's pattern list:
//
//  1. "*" grants everything.
//  2. "<app>.*" matches any tool whose app prefix equals <app>
//     (case-insensitive); usable iff the app is built-in or connected.
//  3. An exact pattern matches the exact tool name (case-insensitive), under
//     the same connection rule.
func CheckTools(required []string, patterns []string, conns agents.Connections) ToolCheck {
	check := ToolCheck{Available: []string{}, Missing: []string{}}
	for _, tool := range required {
		if toolUsable(tool, patterns, conns) {
			check.Available = append(check.Available, tool)
		} else {
			check.Missing = append(check.Missing, tool)
		}
	}
	return check
}

func toolUsable(tool string, patterns []string, conns agents.Connections) bool {
	app := appPrefix(tool)
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
			if strings.EqualFold(prefix, app) && appUsable(app, conns) {
				return true
			}
			continue
		}
		if strings.EqualFold(pattern, tool) && appUsable(app, conns) {
			return true
		}
	}
	return false
}

// appPrefix returns the segment before the first "." — the app a tool
// belongs to. The todo.mdx built-in is itself an app name with a dot.
func appPrefix(tool string) string {
	lower := strings.ToLower(tool)
	if lower == "todo.mdx" || strings.HasPrefix(lower, "todo.mdx.") {
		return "todo.mdx"
	}
	if idx := strings.Index(tool, "."); idx >= 0 {
		return tool[:idx]
	}
	return tool
}

func appUsable(app string, conns agents.Connections) bool {
	if builtinApps[strings.ToLower(app)] {
		return true
	}
	return conns != nil && conns.Has(strings.ToLower(app))
}
