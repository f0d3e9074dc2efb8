package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiroproxy/internal/apierr"
)

const (
	chatPath   = "/generateAssistantResponse"
	modelsPath = "/ListAvailableModels"

	defaultAgentVersion = "0.8.0"
	sdkUserAgent        = "aws-sdk-js/1.0.27"
)

// Caller identifies the account a request is sent on behalf of: its bearer
// token and the fingerprint derived for this instant.
type Caller struct {
	AccountID   string
	AccessToken string
	Fingerprint string
	ProfileArn  string
}

// Options configures the upstream client.
type Options struct {
	BaseURL        string
	AgentVersion   string // empty triggers best-effort detection
	ConnTimeout    time.Duration
	HeaderTimeout  time.Duration
	IdleTimeout    time.Duration // inter-chunk idle during streaming
	RequestTimeout time.Duration
}

// Client shapes and sends requests to the upstream conversation service.
type Client struct {
	http         *http.Client
	baseURL      string
	agentVersion string
	idleTimeout  time.Duration
}

// StatusError is a non-200 upstream response with its body captured.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, truncate(e.Body, 200))
}

// NewClient creates an upstream client with the spec'd timeout ladder:
// connect, response headers, inter-chunk idle, whole request.
func NewClient(opts Options) *Client {
	version := opts.AgentVersion
	if version == "" {
		version = DetectAgentVersion()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		// No client-level timeout: it would cut streaming bodies short. The
		// whole-request ceiling comes from the caller's context.
		http:         &http.Client{Transport: transport},
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		agentVersion: version,
		idleTimeout:  opts.IdleTimeout,
	}
}

// DetectAgentVersion finds the installed IDE version, falling back to a fixed
// string. Detection is best-effort: an env override, then the IDE's version
// file.
func DetectAgentVersion() string {
	if v := os.Getenv("KIRO_AGENT_VERSION"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		if data, err := os.ReadFile(filepath.Join(home, ".kiro", "version")); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}
	return defaultAgentVersion
}

// Send posts a chat request and returns the decoded event stream. It makes
// exactly one HTTP attempt: retry, backoff, and account failover all live in
// the orchestrator so the whole-request budget stays in one place. attempt is
// the orchestrator's 1-based attempt counter, echoed in the request headers.
func (c *Client) Send(ctx context.Context, caller Caller, req *ChatRequest, attempt int) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to encode upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to build upstream request")
	}
	c.setHeaders(httpReq, caller, attempt)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	reader := newIdleTimeoutBody(resp.Body, c.idleTimeout)
	return NewStream(reader), nil
}

// setHeaders applies the upstream's required header shape. The fingerprint is
// embedded in x-amz-user-agent exactly as the IDE does.
func (c *Client) setHeaders(req *http.Request, caller Caller, attempt int) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+caller.AccessToken)
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amzn-kiro-agent-version", c.agentVersion)
	req.Header.Set("x-amz-user-agent",
		fmt.Sprintf("%s KiroIDE-%s-%s", sdkUserAgent, c.agentVersion, caller.Fingerprint))
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE/%s", c.agentVersion))
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", fmt.Sprintf("attempt=%d; max=3", attempt))
}

// Probe issues the minimal model-list request used for health checks.
func (c *Client) Probe(ctx context.Context, caller Caller) error {
	_, err := c.listModels(ctx, caller)
	return err
}

// ListModels fetches the upstream model catalogue.
func (c *Client) ListModels(ctx context.Context, caller Caller) ([]Model, error) {
	return c.listModels(ctx, caller)
}

func (c *Client) listModels(ctx context.Context, caller Caller) ([]Model, error) {
	endpoint := c.baseURL + modelsPath + "?" + url.Values{"origin": {"AI_EDITOR"}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to build models request")
	}
	c.setHeaders(httpReq, caller, 1)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var payload struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamServerError, err, "malformed models response")
	}
	return payload.Models, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindClientCancelled, err, "upstream call cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindNetwork, err, "upstream call timed out")
	}
	return apierr.Wrap(apierr.KindNetwork, err, "upstream transport failure")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// idleTimeoutBody closes the stream when no bytes arrive for the idle window,
// surfacing the stall as a read error.
type idleTimeoutBody struct {
	body  io.ReadCloser
	idle  time.Duration
	timer *time.Timer
}

func newIdleTimeoutBody(body io.ReadCloser, idle time.Duration) io.ReadCloser {
	if idle <= 0 {
		return body
	}
	b := &idleTimeoutBody{body: body, idle: idle}
	b.timer = time.AfterFunc(idle, func() { b.body.Close() })
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
