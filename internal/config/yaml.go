package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Gateway   fileGatewayConfig            `yaml:"gateway"`
	Agent     fileAgentConfig              `yaml:"agent"`
	Messenger fileMessengerConfig          `yaml:"messenger"`
	Services  map[string]fileServiceConfig `yaml:"services"`
	Storage   fileStorageConfig            `yaml:"storage"`
	Audit     fileAuditConfig              `yaml:"audit"`

	ApprovalTimeout string              `yaml:"approval_timeout"`
	RateLimit       fileRateLimitConfig `yaml:"rate_limit"`
}

type fileGatewayConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	TLS      *fileTLSConfig `yaml:"tls"`
	Insecure bool           `yaml:"insecure"`
}

type fileTLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type fileAgentConfig struct {
	Token string `yaml:"token"`
}

type fileMessengerConfig struct {
	Type    string             `yaml:"type"`
	Discord *fileDiscordConfig `yaml:"discord"`
}

type fileDiscordConfig struct {
	Token       string   `yaml:"token"`
	ChannelID   string   `yaml:"channel_id"`
	GuardianIDs []string `yaml:"guardian_ids"`
}

type fileServiceConfig struct {
	URL     string             `yaml:"url"`
	Auth    fileAuthConfig     `yaml:"auth"`
	Handler string             `yaml:"handler"`
	Health  *fileHealthConfig  `yaml:"health"`
	Timeout string             `yaml:"timeout"`
	Tools   string             `yaml:"tools"`
	Errors  []fileErrorMapping `yaml:"errors"`
}

type fileAuthConfig struct {
	Type       string `yaml:"type"`
	Token      string `yaml:"token"`
	HeaderName string `yaml:"header_name"`
	QueryParam string `yaml:"query_param"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

type fileHealthConfig struct {
	Method       string `yaml:"method"`
	Path         string `yaml:"path"`
	ExpectStatus int    `yaml:"expect_status"`
}

type fileErrorMapping struct {
	Status  int    `yaml:"status"`
	Message string `yaml:"message"`
}

type fileStorageConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type fileAuditConfig struct {
	WebhookURLs []string `yaml:"webhook_urls"`
}

type fileRateLimitConfig struct {
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// substituteEnv replaces ${VAR} in every string value of a decoded YAML
// document. An unset variable is a configuration error.
func substituteEnv(node any) (any, error) {
	switch v := node.(type) {
	case string:
		var missing string
		out := envVarRe.ReplaceAllStringFunc(v, func(m string) string {
			name := envVarRe.FindStringSubmatch(m)[1]
			val, ok := os.LookupEnv(name)
			if !ok {
				missing = name
				return m
			}
			return val
		})
		if missing != "" {
			return nil, fmt.Errorf("environment variable %s is not set", missing)
		}
		return out, nil
	case map[string]any:
		for key, item := range v {
			replaced, err := substituteEnv(item)
			if err != nil {
				return nil, err
			}
			v[key] = replaced
		}
		return v, nil
	case []any:
		for i, item := range v {
			replaced, err := substituteEnv(item)
			if err != nil {
				return nil, err
			}
			v[i] = replaced
		}
		return v, nil
	default:
		return node, nil
	}
}

func decodeWithEnv(data []byte, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	substituted, err := substituteEnv(raw)
	if err != nil {
		return err
	}
	reencoded, err := yaml.Marshal(substituted)
	if err != nil {
		return fmt.Errorf("re-encode yaml: %w", err)
	}
	if err := yaml.Unmarshal(reencoded, out); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Load reads and validates the main config file. Relative tool file paths
// resolve against the config file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw fileConfig
	if err := decodeWithEnv(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg := Config{
		Gateway: GatewayConfig{
			Host:     strings.TrimSpace(raw.Gateway.Host),
			Port:     raw.Gateway.Port,
			Insecure: raw.Gateway.Insecure,
		},
		Agent:           AgentConfig{Token: raw.Agent.Token},
		Storage:         StorageConfig{Type: raw.Storage.Type, Path: raw.Storage.Path},
		Audit:           AuditConfig{WebhookURLs: raw.Audit.WebhookURLs},
		ApprovalTimeout: DefaultApprovalTimeout,
		RateLimit: RateLimitConfig{
			MaxPendingApprovals:  DefaultMaxPendingApprovals,
			MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
		},
	}
	if raw.Gateway.TLS != nil {
		cfg.Gateway.TLS = &TLSConfig{Cert: raw.Gateway.TLS.Cert, Key: raw.Gateway.TLS.Key}
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}

	cfg.Messenger = MessengerConfig{Type: strings.TrimSpace(raw.Messenger.Type)}
	if raw.Messenger.Discord != nil {
		cfg.Messenger.Discord = &DiscordConfig{
			Token:       raw.Messenger.Discord.Token,
			ChannelID:   raw.Messenger.Discord.ChannelID,
			GuardianIDs: raw.Messenger.Discord.GuardianIDs,
		}
	}

	if raw.ApprovalTimeout != "" {
		parsed, err := time.ParseDuration(raw.ApprovalTimeout)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid approval_timeout %q", raw.ApprovalTimeout)
		}
		cfg.ApprovalTimeout = parsed
	}
	if raw.RateLimit.MaxPendingApprovals > 0 {
		cfg.RateLimit.MaxPendingApprovals = raw.RateLimit.MaxPendingApprovals
	}
	if raw.RateLimit.MaxRequestsPerMinute > 0 {
		cfg.RateLimit.MaxRequestsPerMinute = raw.RateLimit.MaxRequestsPerMinute
	}

	configDir := filepath.Dir(path)
	cfg.Services = make(map[string]ServiceConfig, len(raw.Services))
	for name, rawSvc := range raw.Services {
		svc, err := buildServiceConfig(name, rawSvc, configDir)
		if err != nil {
			return Config{}, err
		}
		cfg.Services[name] = svc
	}

	return cfg, nil
}

func buildServiceConfig(name string, raw fileServiceConfig, configDir string) (ServiceConfig, error) {
	svc := ServiceConfig{
		Name:    name,
		URL:     strings.TrimSuffix(strings.TrimSpace(raw.URL), "/"),
		Handler: raw.Handler,
		Timeout: DefaultServiceTimeout,
		Health: HealthCheckConfig{
			Method:       "GET",
			Path:         "/",
			ExpectStatus: 200,
		},
	}
	if svc.Handler == "" {
		svc.Handler = "http"
	}

	svc.Auth = AuthConfig{
		Type:       raw.Auth.Type,
		Token:      raw.Auth.Token,
		HeaderName: raw.Auth.HeaderName,
		QueryParam: raw.Auth.QueryParam,
		Username:   raw.Auth.Username,
		Password:   raw.Auth.Password,
	}
	if svc.Auth.Type == "" {
		svc.Auth.Type = "none"
	}

	if raw.Health != nil {
		if raw.Health.Method != "" {
			svc.Health.Method = raw.Health.Method
		}
		if raw.Health.Path != "" {
			svc.Health.Path = raw.Health.Path
		}
		if raw.Health.ExpectStatus != 0 {
			svc.Health.ExpectStatus = raw.Health.ExpectStatus
		}
	}

	if raw.Timeout != "" {
		parsed, err := time.ParseDuration(raw.Timeout)
		if err != nil || parsed <= 0 {
			return ServiceConfig{}, fmt.Errorf("services.%s: invalid timeout %q", name, raw.Timeout)
		}
		svc.Timeout = parsed
	}

	for _, mapping := range raw.Errors {
		svc.Errors = append(svc.Errors, ErrorMapping{Status: mapping.Status, Message: mapping.Message})
	}

	if raw.Tools != "" {
		svc.ToolsFile = raw.Tools
		toolsPath := raw.Tools
		if !filepath.IsAbs(toolsPath) {
			toolsPath = filepath.Join(configDir, toolsPath)
		}
		tools, err := LoadToolsFile(toolsPath, name)
		if err != nil {
			return ServiceConfig{}, err
		}
		svc.Tools = tools
	}

	return svc, nil
}
