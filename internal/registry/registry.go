// Package registry owns the tool definitions loaded from the per-service
// tool files. It builds policy-matching signatures and performs the
// pre-policy argument validation that keeps glob metacharacters out of
// signatures.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"toolgate.local/gateway/internal/config"
)

// forbidden covers glob metacharacters, the characters reserved for
// signature syntax, and control characters. Checked on every string arg
// before policy evaluation.
const forbiddenChars = "*?[](),"

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

type compiledTool struct {
	def        config.ToolDefinition
	validators map[string]*regexp.Regexp
	required   []string
}

type Registry struct {
	tools map[string]compiledTool
}

// ToolInfo is the shape returned to agents by list_tools.
type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Service     string             `json:"service"`
	Args        map[string]ArgInfo `json:"args"`
}

type ArgInfo struct {
	Required bool   `json:"required"`
	Validate string `json:"validate,omitempty"`
}

// New builds a registry from all configured services. Duplicate tool names
// across services and invalid validator patterns are fatal.
func New(services map[string]config.ServiceConfig) (*Registry, error) {
	tools := make(map[string]compiledTool)
	for svcName, svc := range services {
		for _, def := range svc.Tools {
			if existing, ok := tools[def.Name]; ok {
				return nil, fmt.Errorf("duplicate tool name %q in services %q and %q",
					def.Name, existing.def.ServiceName, svcName)
			}

			compiled := compiledTool{def: def, validators: make(map[string]*regexp.Regexp)}
			for argName, arg := range def.Args {
				if arg.Validate != "" {
					re, err := regexp.Compile(arg.Validate)
					if err != nil {
						return nil, fmt.Errorf("invalid validate pattern for tool %q arg %q: %w",
							def.Name, argName, err)
					}
					compiled.validators[argName] = re
				}
				if arg.Required {
					compiled.required = append(compiled.required, argName)
				}
			}
			sort.Strings(compiled.required)
			tools[def.Name] = compiled
		}
	}
	return &Registry{tools: tools}, nil
}

// Lookup returns the tool definition and owning service name.
func (r *Registry) Lookup(name string) (config.ToolDefinition, string, bool) {
	compiled, ok := r.tools[name]
	if !ok {
		return config.ToolDefinition{}, "", false
	}
	return compiled.def, compiled.def.ServiceName, true
}

// ValidateArgs applies the pre-policy checks: scalar values only, forbidden
// characters in any string value, required args, and per-arg validator
// patterns. All failures must surface before policy evaluation. Arrays and
// objects are rejected outright; their rendering would bypass the
// forbidden-character check.
func (r *Registry) ValidateArgs(toolName string, args map[string]any) error {
	for key, value := range args {
		switch v := value.(type) {
		case string:
			if strings.ContainsAny(v, forbiddenChars) || containsControl(v) {
				return fmt.Errorf("argument %q contains forbidden characters", key)
			}
		case nil, bool, float64, int, int64:
		default:
			return fmt.Errorf("argument %q must be a scalar value", key)
		}
	}

	compiled, ok := r.tools[toolName]
	if !ok {
		return nil
	}
	for _, req := range compiled.required {
		if _, present := args[req]; !present {
			return fmt.Errorf("missing required argument: %s", req)
		}
	}
	for key, value := range args {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if re, has := compiled.validators[key]; has && !re.MatchString(str) {
			return fmt.Errorf("invalid value for %s: %q", key, str)
		}
	}
	return nil
}

// BuildSignature renders the deterministic policy-matching signature. A
// registered tool uses its signature template; an unknown tool falls back to
// args stringified in lexicographic key order.
func (r *Registry) BuildSignature(toolName string, args map[string]any) string {
	if compiled, ok := r.tools[toolName]; ok {
		if compiled.def.Signature == "" {
			return toolName
		}
		parts := strings.Split(compiled.def.Signature, ",")
		rendered := make([]string, 0, len(parts))
		for _, part := range parts {
			interpolated := placeholderRe.ReplaceAllStringFunc(strings.TrimSpace(part), func(m string) string {
				key := placeholderRe.FindStringSubmatch(m)[1]
				return stringify(args[key])
			})
			rendered = append(rendered, interpolated)
		}
		return fmt.Sprintf("%s(%s)", toolName, strings.Join(rendered, ", "))
	}

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, stringify(args[key]))
	}
	if len(parts) == 0 {
		return toolName
	}
	return fmt.Sprintf("%s(%s)", toolName, strings.Join(parts, ", "))
}

// AllTools returns list_tools entries sorted by name.
func (r *Registry) AllTools() []ToolInfo {
	out := make([]ToolInfo, 0, len(r.tools))
	for _, compiled := range r.tools {
		info := ToolInfo{
			Name:        compiled.def.Name,
			Description: compiled.def.Description,
			Service:     compiled.def.ServiceName,
			Args:        make(map[string]ArgInfo, len(compiled.def.Args)),
		}
		for argName, arg := range compiled.def.Args {
			info.Args[argName] = ArgInfo{Required: arg.Required, Validate: arg.Validate}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func containsControl(s string) bool {
	for _, r := range s {
		if r < 0x20 {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprintf("%v", value)
	}
}
