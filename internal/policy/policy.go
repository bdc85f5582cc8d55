// Package policy evaluates tool signatures against the configured
// permission rules. Deny always wins over allow, allow over ask, and the
// ordered defaults only apply when no explicit rule matches.
package policy

import (
	"fmt"

	"github.com/gobwas/glob"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/types"
)

type compiledRule struct {
	pattern string
	action  types.Decision
	matcher glob.Glob
}

type Engine struct {
	rules    []compiledRule
	defaults []compiledRule
}

// New compiles all patterns up front. An invalid pattern is a fatal
// configuration error.
func New(perms config.Permissions) (*Engine, error) {
	rules, err := compileRules(perms.Rules, "rules")
	if err != nil {
		return nil, err
	}
	defaults, err := compileRules(perms.Defaults, "defaults")
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules, defaults: defaults}, nil
}

func compileRules(rules []config.PermissionRule, section string) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		matcher, err := glob.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q at index %d: %w", section, rule.Pattern, i, err)
		}
		out = append(out, compiledRule{
			pattern: rule.Pattern,
			action:  types.Decision(rule.Action),
			matcher: matcher,
		})
	}
	return out, nil
}

// Evaluate returns the decision for a signature.
//
// Explicit rules are scanned in three passes with strict precedence: any
// matching deny rule decides, then any allow, then any ask. A broad deny
// beats a narrow allow regardless of declaration order. When no rule
// matches, the defaults are walked in order and the first match wins.
// With nothing matching at all the safe fallback is ask.
func (e *Engine) Evaluate(signature string) types.Decision {
	for _, action := range []types.Decision{types.DecisionDeny, types.DecisionAllow, types.DecisionAsk} {
		for _, rule := range e.rules {
			if rule.action == action && rule.matcher.Match(signature) {
				return action
			}
		}
	}
	for _, rule := range e.defaults {
		if rule.matcher.Match(signature) {
			return rule.action
		}
	}
	return types.DecisionAsk
}
