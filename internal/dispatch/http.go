package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/types"
)

const maxResponseBytes = 1 << 20

var pathPlaceholderRe = regexp.MustCompile(`\{(\w+)\}`)

// HTTPHandler executes YAML-defined tool requests against one HTTP service.
// Adding a new service or tool requires only configuration.
type HTTPHandler struct {
	svc        config.ServiceConfig
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

func newHTTPHandlerFactory(svc config.ServiceConfig, logger *log.Logger) (Handler, error) {
	return NewHTTPHandler(svc, logger), nil
}

func NewHTTPHandler(svc config.ServiceConfig, logger *log.Logger, opts ...HTTPOption) *HTTPHandler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = config.DefaultServiceTimeout
	}
	h := &HTTPHandler{
		svc:        svc,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(svc.URL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type HTTPOption func(*HTTPHandler)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPHandler) {
		if client != nil {
			h.httpClient = client
		}
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, tool config.ToolDefinition, args map[string]any) (json.RawMessage, error) {
	if tool.Request == nil {
		return nil, execErrorf(types.ErrorKindExecOther, "tool %s has no request definition", tool.Name)
	}

	reqURL := h.baseURL + interpolatePath(tool.Request.Path, args)
	if h.svc.Auth.Type == "query" {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + url.QueryEscape(h.svc.Auth.QueryParam) + "=" + url.QueryEscape(h.svc.Auth.Token)
	}

	method := strings.ToUpper(tool.Request.Method)
	var bodyReader io.Reader
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		body := buildBody(tool, args)
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, execErrorf(types.ErrorKindExecOther, "encode request body: %v", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, execErrorf(types.ErrorKindExecOther, "build request: %v", err)
	}
	if bodyReader != nil {
		req.Header.Set("content-type", "application/json")
	}
	h.applyAuth(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, execErrorf(types.ErrorKindExecConnection, "service unreachable: %s (%v)", h.svc.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, execErrorf(types.ErrorKindExecConnection, "read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, h.classifyStatus(resp.StatusCode, raw)
	}

	result := json.RawMessage(bytes.TrimSpace(raw))
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if !json.Valid(result) {
		return nil, execErrorf(types.ErrorKindExecProtocol, "service returned invalid JSON")
	}

	if tool.Response != nil && tool.Response.Wrap != "" {
		wrapped, err := json.Marshal(map[string]json.RawMessage{tool.Response.Wrap: result})
		if err != nil {
			return nil, execErrorf(types.ErrorKindExecOther, "wrap response: %v", err)
		}
		return wrapped, nil
	}
	return result, nil
}

func (h *HTTPHandler) applyAuth(req *http.Request) {
	switch h.svc.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+h.svc.Auth.Token)
	case "header":
		req.Header.Set(h.svc.Auth.HeaderName, h.svc.Auth.Token)
	case "basic":
		req.SetBasicAuth(h.svc.Auth.Username, h.svc.Auth.Password)
	}
	// query auth is appended to the URL before the request is built
}

// classifyStatus maps a non-2xx response to an ExecError, preferring the
// service-level error mappings over the built-in defaults.
func (h *HTTPHandler) classifyStatus(status int, body []byte) *ExecError {
	kind := types.ErrorKindExecOther
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = types.ErrorKindExecAuth
	case http.StatusNotFound:
		kind = types.ErrorKindExecNotFound
	}

	for _, mapping := range h.svc.Errors {
		if mapping.Status != status {
			continue
		}
		msg := strings.ReplaceAll(mapping.Message, "{status}", strconv.Itoa(status))
		msg = strings.ReplaceAll(msg, "{body}", strings.TrimSpace(string(body)))
		return &ExecError{Kind: kind, Message: msg}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ExecError{Kind: kind, Message: "service authentication failed"}
	case http.StatusNotFound:
		return &ExecError{Kind: kind, Message: "resource not found"}
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	return execErrorf(kind, "API error %d: %s", status, message)
}

func (h *HTTPHandler) HealthCheck(ctx context.Context) bool {
	health := h.svc.Health
	method := strings.ToUpper(health.Method)
	if method == "" {
		method = http.MethodGet
	}
	path := health.Path
	if path == "" {
		path = "/"
	}
	expect := health.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, nil)
	if err != nil {
		return false
	}
	h.applyAuth(req)
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Printf("health check failed service=%s err=%v", h.svc.Name, err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode == expect
}

func (h *HTTPHandler) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

func interpolatePath(path string, args map[string]any) string {
	return pathPlaceholderRe.ReplaceAllStringFunc(path, func(m string) string {
		key := pathPlaceholderRe.FindStringSubmatch(m)[1]
		return url.PathEscape(argString(args[key]))
	})
}

// buildBody returns the request body args minus the configured exclusions.
func buildBody(tool config.ToolDefinition, args map[string]any) map[string]any {
	excluded := make(map[string]bool, len(tool.Request.BodyExclude))
	for _, key := range tool.Request.BodyExclude {
		excluded[key] = true
	}
	body := make(map[string]any, len(args))
	for key, value := range args {
		if !excluded[key] {
			body[key] = value
		}
	}
	return body
}

func argString(v any) string {
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
	default:
		return fmt.Sprintf("%v", value)
	}
}
