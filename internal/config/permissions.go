package config

import (
	"fmt"
	"os"
)

type filePermissions struct {
	Rules    []filePermissionRule `yaml:"rules"`
	Defaults []filePermissionRule `yaml:"defaults"`
}

type filePermissionRule struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// LoadPermissions reads the permissions file. Rule order is preserved:
// rules are explicit overrides, defaults are ordered fallbacks.
func LoadPermissions(path string) (Permissions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Permissions{}, fmt.Errorf("read permissions file %s: %w", path, err)
	}

	var raw filePermissions
	if err := decodeWithEnv(data, &raw); err != nil {
		return Permissions{}, fmt.Errorf("permissions file %s: %w", path, err)
	}

	perms := Permissions{}
	for i, rule := range raw.Rules {
		built, err := buildPermissionRule(rule)
		if err != nil {
			return Permissions{}, fmt.Errorf("permissions file %s: rules[%d]: %w", path, i, err)
		}
		perms.Rules = append(perms.Rules, built)
	}
	for i, rule := range raw.Defaults {
		built, err := buildPermissionRule(rule)
		if err != nil {
			return Permissions{}, fmt.Errorf("permissions file %s: defaults[%d]: %w", path, i, err)
		}
		perms.Defaults = append(perms.Defaults, built)
	}
	return perms, nil
}

func buildPermissionRule(raw filePermissionRule) (PermissionRule, error) {
	if raw.Pattern == "" {
		return PermissionRule{}, fmt.Errorf("pattern is required")
	}
	switch raw.Action {
	case "allow", "deny", "ask":
	default:
		return PermissionRule{}, fmt.Errorf("invalid action %q (allow, deny or ask)", raw.Action)
	}
	return PermissionRule{
		Pattern:     raw.Pattern,
		Action:      raw.Action,
		Description: raw.Description,
	}, nil
}
