package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// HTTPConfig configures the http.request tool.
type HTTPConfig struct {
	MaxResponseBody int64         `mapstructure:"max_response_body"`
	DefaultTimeout  time.Duration `mapstructure:"timeout"`
	Client          *http.Client  `mapstructure:"-"` // nil uses a client with redirect limits
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	maxRedirects           = 10
)

// RegisterHTTP registers the http.request tool into r.
func RegisterHTTP(r *Registry, cfg HTTPConfig) error {
	return r.register(NewHTTPTool(cfg), "builtin")
}

// HTTPTool implements http.request.
type HTTPTool struct {
	cfg HTTPConfig
}

// NewHTTPTool creates an http.request tool, filling in defaults.
func NewHTTPTool(cfg HTTPConfig) *HTTPTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		}
	}
	return &HTTPTool{cfg: cfg}
}

func (t *HTTPTool) Name() string { return "http.request" }

func (t *HTTPTool) Definition() Definition {
	return Definition{
		Name:        "http.request",
		Description: "Send an HTTP request. Returns status_code, headers and body; JSON bodies are decoded.",
		Parameters: ObjectSchema(map[string]any{
			"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			"url":     map[string]any{"type": "string", "pattern": "^https?://"},
			"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":    map[string]any{"description": "request body, encoded per body_encoding"},
			"body_encoding": map[string]any{
				"type": "string",
				"enum": []any{"json", "form", "text"},
			},
			"auth": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":         map[string]any{"type": "string", "enum": []any{"bearer", "basic", "api_key"}},
					"token":        map[string]any{"type": "string"},
					"username":     map[string]any{"type": "string"},
					"password":     map[string]any{"type": "string"},
					"header_name":  map[string]any{"type": "string"},
					"header_value": map[string]any{"type": "string"},
				},
			},
			"timeout":              map[string]any{"type": "string", "description": "e.g. 10s"},
			"fail_on_error_status": map[string]any{"type": "boolean"},
		}, "url"),
	}
}

func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringArg(args, "method", http.MethodGet))
	timeout := t.cfg.DefaultTimeout
	if ts := stringArg(args, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid timeout %q", ts)
		}
		timeout = d
	}

	body, contentType, err := encodeBody(args["body"], stringArg(args, "body_encoding", "json"))
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolExecution, "http.request: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := args["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	applyAuth(req, args["auth"])

	start := time.Now()
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: %s %s failed", method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolExecution, "http.request: read response body").WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if fail, _ := args["fail_on_error_status"].(bool); fail && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http.request: server returned %d", resp.StatusCode).WithDetails(result)
	}
	return result, nil
}

func encodeBody(raw any, encoding string) (io.Reader, string, error) {
	if raw == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON encodable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, raw any) {
	auth, ok := raw.(map[string]any)
	if !ok {
		return
	}
	switch stringArg(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringArg(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringArg(auth, "username", ""), stringArg(auth, "password", ""))
	case "api_key":
		if name := stringArg(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringArg(auth, "header_value", ""))
		}
	}
}

func stringArg(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}
