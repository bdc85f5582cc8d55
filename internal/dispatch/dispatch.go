// Package dispatch routes approved tool requests to their service handlers
// and executes them. The generic HTTP handler covers YAML-defined services;
// alternative handlers can be registered by name.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/registry"
	"toolgate.local/gateway/internal/types"
)

// ExecError carries the failure classification recorded in the audit log
// alongside the human-readable message returned to the agent.
type ExecError struct {
	Kind    types.ErrorKind
	Message string
}

func (e *ExecError) Error() string {
	return e.Message
}

func execErrorf(kind types.ErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Handler executes tool requests against one backing service.
type Handler interface {
	Execute(ctx context.Context, tool config.ToolDefinition, args map[string]any) (json.RawMessage, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

// Factory builds a handler for a configured service.
type Factory func(svc config.ServiceConfig, logger *log.Logger) (Handler, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"http": newHTTPHandlerFactory,
	}
)

// RegisterFactory makes a handler type available under the given name for
// the services config `handler` field.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	factory, ok := factories[name]
	return factory, ok
}

// Executor owns one handler per configured service and routes tool requests
// to the owning service through the registry.
type Executor struct {
	handlers map[string]Handler
	registry *registry.Registry
	logger   *log.Logger
}

func NewExecutor(services map[string]config.ServiceConfig, reg *registry.Registry, logger *log.Logger) (*Executor, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	handlers := make(map[string]Handler, len(services))
	for name, svc := range services {
		handlerName := svc.Handler
		if handlerName == "" {
			handlerName = "http"
		}
		factory, ok := lookupFactory(handlerName)
		if !ok {
			return nil, fmt.Errorf("service %q: unknown handler type %q", name, handlerName)
		}
		handler, err := factory(svc, logger)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		handlers[name] = handler
	}
	return &Executor{handlers: handlers, registry: reg, logger: logger}, nil
}

// Execute runs the named tool against its service. Failures are *ExecError
// so callers can audit the classification.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	def, serviceName, ok := e.registry.Lookup(toolName)
	if !ok {
		return nil, execErrorf(types.ErrorKindExecOther, "unknown tool: %s", toolName)
	}
	handler, ok := e.handlers[serviceName]
	if !ok {
		return nil, execErrorf(types.ErrorKindExecOther, "service not configured: %s", serviceName)
	}
	return handler.Execute(ctx, def, args)
}

// HealthCheck probes every service and returns per-service status.
func (e *Executor) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(e.handlers))
	for name, handler := range e.handlers {
		out[name] = handler.HealthCheck(ctx)
	}
	return out
}

func (e *Executor) Close() error {
	var firstErr error
	for name, handler := range e.handlers {
		if err := handler.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close handler %s: %w", name, err)
		}
	}
	return firstErr
}
