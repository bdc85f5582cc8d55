package config

import (
	"fmt"
	"os"
	"strings"
)

type fileToolsDocument struct {
	Tools map[string]fileToolDefinition `yaml:"tools"`
}

type fileToolDefinition struct {
	Description string                       `yaml:"description"`
	Signature   string                       `yaml:"signature"`
	Args        map[string]fileArgDefinition `yaml:"args"`
	Request     *fileRequestDefinition       `yaml:"request"`
	Response    *fileResponseDefinition      `yaml:"response"`
}

type fileArgDefinition struct {
	Required bool   `yaml:"required"`
	Validate string `yaml:"validate"`
}

type fileRequestDefinition struct {
	Method      string   `yaml:"method"`
	Path        string   `yaml:"path"`
	BodyExclude []string `yaml:"body_exclude"`
}

type fileResponseDefinition struct {
	Wrap string `yaml:"wrap"`
}

// LoadToolsFile reads one service's tool definition file. Validator
// patterns are carried as strings; the registry compiles them and treats
// compile failures as fatal.
func LoadToolsFile(path, serviceName string) ([]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file %s: %w", path, err)
	}

	var doc fileToolsDocument
	if err := decodeWithEnv(data, &doc); err != nil {
		return nil, fmt.Errorf("tools file %s: %w", path, err)
	}

	tools := make([]ToolDefinition, 0, len(doc.Tools))
	for name, raw := range doc.Tools {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("tools file %s: tool with empty name", path)
		}

		tool := ToolDefinition{
			Name:        name,
			ServiceName: serviceName,
			Description: raw.Description,
			Signature:   raw.Signature,
		}
		if len(raw.Args) > 0 {
			tool.Args = make(map[string]ArgDefinition, len(raw.Args))
			for argName, argRaw := range raw.Args {
				tool.Args[argName] = ArgDefinition{
					Required: argRaw.Required,
					Validate: argRaw.Validate,
				}
			}
		}
		if raw.Request != nil {
			method := strings.ToUpper(strings.TrimSpace(raw.Request.Method))
			if method == "" {
				method = "GET"
			}
			reqPath := raw.Request.Path
			if reqPath == "" {
				reqPath = "/"
			}
			tool.Request = &RequestDefinition{
				Method:      method,
				Path:        reqPath,
				BodyExclude: raw.Request.BodyExclude,
			}
		}
		if raw.Response != nil && raw.Response.Wrap != "" {
			tool.Response = &ResponseDefinition{Wrap: raw.Response.Wrap}
		}
		tools = append(tools, tool)
	}
	return tools, nil
}
