// Package config loads the gateway configuration: the main YAML file with
// environment variable substitution, per-service tool definition files, and
// the permissions file.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultApprovalTimeout      = 15 * time.Minute
	DefaultAuthTimeout          = 10 * time.Second
	DefaultServiceTimeout       = 30 * time.Second
	DefaultMaxPendingApprovals  = 10
	DefaultMaxRequestsPerMinute = 60
)

type Config struct {
	Gateway         GatewayConfig
	Agent           AgentConfig
	Messenger       MessengerConfig
	Services        map[string]ServiceConfig
	Storage         StorageConfig
	Audit           AuditConfig
	ApprovalTimeout time.Duration
	RateLimit       RateLimitConfig
}

type GatewayConfig struct {
	Host     string
	Port     int
	TLS      *TLSConfig
	Insecure bool
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type TLSConfig struct {
	Cert string
	Key  string
}

type AgentConfig struct {
	Token string
}

type MessengerConfig struct {
	Type    string
	Discord *DiscordConfig
}

type DiscordConfig struct {
	Token       string
	ChannelID   string
	GuardianIDs []string
}

type StorageConfig struct {
	Type string
	Path string
}

type AuditConfig struct {
	WebhookURLs []string
}

type RateLimitConfig struct {
	MaxPendingApprovals  int
	MaxRequestsPerMinute int
}

type AuthConfig struct {
	Type       string // bearer, header, query, basic
	Token      string
	HeaderName string
	QueryParam string
	Username   string
	Password   string
}

type HealthCheckConfig struct {
	Method       string
	Path         string
	ExpectStatus int
}

type ErrorMapping struct {
	Status  int
	Message string // supports {status} and {body} placeholders
}

type ServiceConfig struct {
	Name      string
	URL       string
	Auth      AuthConfig
	Handler   string // "http" or a registered factory name
	Health    HealthCheckConfig
	Timeout   time.Duration
	ToolsFile string
	Tools     []ToolDefinition
	Errors    []ErrorMapping
}

type ArgDefinition struct {
	Required bool
	Validate string // regex pattern, compiled by the registry at load
}

type RequestDefinition struct {
	Method      string
	Path        string // "/api/states/{entity_id}"
	BodyExclude []string
}

type ResponseDefinition struct {
	Wrap string
}

type ToolDefinition struct {
	Name        string
	ServiceName string
	Description string
	Signature   string // "{domain}.{service}, {entity_id}"
	Args        map[string]ArgDefinition
	Request     *RequestDefinition
	Response    *ResponseDefinition
}

type PermissionRule struct {
	Pattern     string
	Action      string // allow, deny, ask
	Description string
}

type Permissions struct {
	Rules    []PermissionRule
	Defaults []PermissionRule
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.Host) == "" {
		return fmt.Errorf("gateway.host must not be empty")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be in 1..65535")
	}
	if c.Gateway.TLS == nil && !c.Gateway.Insecure {
		return fmt.Errorf("gateway.tls is not set; set gateway.insecure to run without TLS")
	}
	if c.Gateway.TLS != nil {
		if strings.TrimSpace(c.Gateway.TLS.Cert) == "" || strings.TrimSpace(c.Gateway.TLS.Key) == "" {
			return fmt.Errorf("gateway.tls.cert and gateway.tls.key must be provided together")
		}
	}
	if strings.TrimSpace(c.Agent.Token) == "" {
		return fmt.Errorf("agent.token must not be empty")
	}
	switch c.Messenger.Type {
	case "discord":
		if c.Messenger.Discord == nil {
			return fmt.Errorf("messenger.discord is required for messenger.type=discord")
		}
		if strings.TrimSpace(c.Messenger.Discord.Token) == "" {
			return fmt.Errorf("messenger.discord.token must not be empty")
		}
		if strings.TrimSpace(c.Messenger.Discord.ChannelID) == "" {
			return fmt.Errorf("messenger.discord.channel_id must not be empty")
		}
		if len(c.Messenger.Discord.GuardianIDs) == 0 {
			return fmt.Errorf("messenger.discord.guardian_ids must be a non-empty list")
		}
	default:
		return fmt.Errorf("unsupported messenger type %q (only \"discord\" is supported)", c.Messenger.Type)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	for name, svc := range c.Services {
		if err := svc.validate(); err != nil {
			return fmt.Errorf("services.%s: %w", name, err)
		}
	}
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage type %q (sqlite or postgres)", c.Storage.Type)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be > 0")
	}
	if c.RateLimit.MaxPendingApprovals <= 0 {
		return fmt.Errorf("rate_limit.max_pending_approvals must be > 0")
	}
	if c.RateLimit.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.max_requests_per_minute must be > 0")
	}
	return nil
}

func (s ServiceConfig) validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url must not be empty")
	}
	switch s.Auth.Type {
	case "none", "bearer", "header", "query", "basic":
	default:
		return fmt.Errorf("unsupported auth type %q", s.Auth.Type)
	}
	if s.Auth.Type == "header" && strings.TrimSpace(s.Auth.HeaderName) == "" {
		return fmt.Errorf("auth.header_name is required for auth.type=header")
	}
	if s.Auth.Type == "query" && strings.TrimSpace(s.Auth.QueryParam) == "" {
		return fmt.Errorf("auth.query_param is required for auth.type=query")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	for i, mapping := range s.Errors {
		if mapping.Status < 100 || mapping.Status > 599 {
			return fmt.Errorf("errors[%d].status %d is not an http status", i, mapping.Status)
		}
		if strings.TrimSpace(mapping.Message) == "" {
			return fmt.Errorf("errors[%d].message must not be empty", i)
		}
	}
	return nil
}
