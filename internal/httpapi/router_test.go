package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiroproxy/internal/config"
	"kiroproxy/internal/models"
	"kiroproxy/internal/storage"
)

// textFrames renders upstream event-stream text frames for the fake service.
func textFrames(t *testing.T, texts ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	encoder := eventstream.NewEncoder()
	for _, text := range texts {
		payload, err := json.Marshal(map[string]string{"content": text})
		require.NoError(t, err)
		msg := eventstream.Message{Payload: payload}
		msg.Headers.Set(eventstreamapi.MessageTypeHeader, eventstream.StringValue("event"))
		msg.Headers.Set(eventstreamapi.EventTypeHeader, eventstream.StringValue("assistantResponseEvent"))
		require.NoError(t, encoder.Encode(&buf, msg))
	}
	return buf.Bytes()
}

// seedRouter builds a router against the given fake upstream with two
// accounts on disk.
func seedRouter(t *testing.T, upstreamURL string) (*http.ServeMux, *Dependencies) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "config.json")

	store, err := storage.NewSnapshotStore(statePath, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save([]*models.Account{
		seedAccount("acct-a"),
		seedAccount("acct-b"),
	}))

	cfg := &config.Config{
		HTTPPort: "0",
		Upstream: config.UpstreamConfig{
			BaseURL:        upstreamURL,
			AuthBaseURL:    "http://127.0.0.1:1",
			OIDCRegion:     "us-east-1",
			AgentVersion:   "0.8.0",
			ConnTimeout:    5 * time.Second,
			HeaderTimeout:  5 * time.Second,
			IdleTimeout:    5 * time.Second,
			RequestTimeout: time.Minute,
		},
		Scheduler: config.SchedulerConfig{
			RefreshInterval: 5 * time.Minute,
			RefreshWindow:   15 * time.Minute,
			HealthInterval:  10 * time.Minute,
		},
		Pool: config.PoolConfig{
			CooldownDuration: 300 * time.Second,
			AffinityTTL:      60 * time.Second,
		},
		State: config.StateConfig{Path: statePath},
		FlowLogger: config.FlowLoggerConfig{
			FilePathTemplate: filepath.Join(dir, "flows-%s.jsonl"),
			MaxSize:          1 << 20,
			MaxFiles:         3,
			BufferSize:       16,
			FlushInterval:    50 * time.Millisecond,
		},
		JWTSecret: []byte("test-secret"),
	}

	mux, deps, err := NewRouter(cfg)
	require.NoError(t, err)
	t.Cleanup(deps.FlowLogger.Shutdown)
	return mux, deps
}

func seedAccount(id string) *models.Account {
	return &models.Account{
		ID:      id,
		Enabled: true,
		Status:  models.StatusActive,
		Credential: models.Credential{
			AccessToken:  "tok-" + id,
			RefreshToken: "ref-" + id,
			ExpiresAt:    time.Now().Add(2 * time.Hour),
			AuthKind:     models.AuthKindGoogle,
			IssuedAt:     time.Now().Add(-time.Hour),
		},
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(textFrames(t, "Hel", "lo"))
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer anything-goes")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestChatCompletionsStreaming(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(textFrames(t, "Hel", "lo"))
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)
	proxySrv := httptest.NewServer(mux)
	defer proxySrv.Close()

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)

	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))

	// Concatenated deltas equal the upstream text.
	concat := ""
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		if len(chunk.Choices) > 0 {
			concat += chunk.Choices[0].Delta.Content
		}
	}
	assert.Equal(t, "Hello", concat)
}

func TestMessagesStreaming(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(textFrames(t, "Hi there"))
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)
	proxySrv := httptest.NewServer(mux)
	defer proxySrv.Close()

	body := `{"model":"claude-sonnet-4","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(proxySrv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: content_block_start")
	assert.Contains(t, out, `"text_delta"`)
	assert.Contains(t, out, "event: message_stop")
	assert.Equal(t, 1, strings.Count(out, "event: message_stop"))
}

func TestGeminiGenerateContent(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(textFrames(t, "Hel", "lo"))
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/models/gemini-1.5-flash:generateContent", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "Hello", resp.Candidates[0].Content.Parts[0].Text)
	assert.Equal(t, "STOP", resp.Candidates[0].FinishReason)
}

func TestQuotaFailoverEndToEnd(t *testing.T) {
	// acct-a is out of quota; the client still gets a 200 from acct-b.
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-acct-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("MONTHLY_REQUEST_COUNT"))
			return
		}
		w.Write(textFrames(t, "fine"))
	}))
	defer upstreamSrv.Close()

	mux, deps := seedRouter(t, upstreamSrv.URL)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a, ok := deps.Pool.Get("acct-a")
	require.True(t, ok)
	assert.Equal(t, models.StatusCooldown, a.Status)
}

func TestStickySessionEndToEnd(t *testing.T) {
	var tokens []string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		w.Write(textFrames(t, "ok"))
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"same prefix"}]}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Len(t, tokens, 2)
	assert.Equal(t, tokens[0], tokens[1], "identical prefixes must hit one account")
}

func TestEmptyPoolReturns503(t *testing.T) {
	mux, deps := seedRouter(t, "http://127.0.0.1:1")
	for _, a := range deps.Pool.List() {
		require.NoError(t, deps.Pool.Remove(a.ID))
	}

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestModelsFallbackList(t *testing.T) {
	// The fake upstream cannot serve the catalogue; the static list answers.
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstreamSrv.Close()

	mux, _ := seedRouter(t, upstreamSrv.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "claude-sonnet-4")
	assert.Contains(t, ids, "auto")
}

func TestCountTokens(t *testing.T) {
	mux, _ := seedRouter(t, "http://127.0.0.1:1")

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"twelve chars"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		InputTokens int64 `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.InputTokens) // ceil(12/4)
}

func TestAdminAccountLifecycle(t *testing.T) {
	mux, deps := seedRouter(t, "http://127.0.0.1:1")

	// List.
	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	// Toggle off.
	req = httptest.NewRequest(http.MethodPost, "/api/accounts/acct-a/toggle", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	a, _ := deps.Pool.Get("acct-a")
	assert.Equal(t, models.StatusDisabled, a.Status)

	// Delete.
	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/acct-a", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := deps.Pool.Get("acct-a")
	assert.False(t, ok)

	// Unknown id.
	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/nope", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestoreRequiresSuccessfulRefresh(t *testing.T) {
	mux, deps := seedRouter(t, "http://127.0.0.1:1")

	deps.Pool.MarkUnhealthy("acct-a", "invalid_grant")

	// The refresher endpoint is unreachable in this fixture, so restore must
	// refuse.
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/acct-a/restore", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	a, _ := deps.Pool.Get("acct-a")
	assert.Equal(t, models.StatusUnhealthy, a.Status, "a failed refresh must not restore the account")
}

func TestAdminLoginDisabledWithoutPassword(t *testing.T) {
	mux, _ := seedRouter(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/admin/auth/login", strings.NewReader(`{"password":"x"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
