package concierge

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/concierge/pkg/conversation"
	"github.com/harunnryd/concierge/pkg/providers/openai"
	"github.com/harunnryd/concierge/pkg/runner"
	"github.com/harunnryd/concierge/pkg/session"
)

const callerPhone = "+14155550142"

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Banner = false
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

func sendMessage(t *testing.T, srv *httptest.Server, text string) session.Reply {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"phoneNumber": callerPhone, "text": text})
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL+"/message", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out session.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEngineServesConversation(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	r := sendMessage(t, srv, "hello")
	assert.Contains(t, r.Reply, "ZIP code")
	assert.Equal(t, conversation.StatusCollectingVerification, r.State.Status)

	r = sendMessage(t, srv, "94107")
	assert.Equal(t, "Thanks, you're verified. How can I help you today?", r.Reply)
	assert.True(t, r.State.Verification.Verified)
	assert.EqualValues(t, 1, e.Registry().Count())

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return e.Latency().Turns == 2 }, 2*time.Second, 10*time.Millisecond)
	resp, err = srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status  string `json:"status"`
		State   string `json:"state"`
		Latency struct {
			Turns int `json:"turns"`
		} `json:"latency"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, runner.StateNew.String(), health.State)
	assert.Equal(t, 2, health.Latency.Turns)

	require.NoError(t, e.Stop())
	assert.Equal(t, runner.StateStopped, e.State())
	assert.EqualValues(t, 0, e.Registry().Count())

	usage, ok := e.Usage(callerPhone)
	require.True(t, ok)
	assert.Equal(t, 2, usage.Turns)
}

func TestEngineRestoresConversationFromDirStore(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Kind = "dir"
	cfg.Store.Dir = filepath.Join(root, "store")
	cfg.Timeline.Dir = filepath.Join(root, "artifacts")

	first := newTestEngine(t, cfg)
	srv := httptest.NewServer(first.Handler())
	sendMessage(t, srv, "hello")
	verified := sendMessage(t, srv, "94107")
	require.True(t, verified.State.Verification.Verified)
	srv.Close()
	require.NoError(t, first.Stop())

	timelines, err := filepath.Glob(filepath.Join(cfg.Timeline.Dir, "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, timelines, 1)
	usage, err := filepath.Glob(filepath.Join(cfg.Timeline.Dir, "*.usage.json"))
	require.NoError(t, err)
	assert.Len(t, usage, 1)

	second := newTestEngine(t, cfg)
	srv = httptest.NewServer(second.Handler())
	defer srv.Close()
	defer second.Stop()

	r := sendMessage(t, srv, "what is your warranty policy")
	assert.True(t, r.State.Verification.Verified)
	assert.Greater(t, r.LatestEventID, verified.LatestEventID)
}

func TestEngineUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Model.Name = "anthropic"
	_, err := NewEngine(EngineOptions{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model provider not registered")
}

func TestProviderSettingsAreValidated(t *testing.T) {
	r := DefaultProviders()

	_, err := r.BuildModel(VendorConfig{Name: "openai"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing: api_key")

	_, err = r.BuildBusiness(VendorConfig{Name: "crmhttp", Settings: map[string]any{"base_url": "http://crm.local", "region": "us"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown: region")

	m, err := r.BuildModel(VendorConfig{Name: " OpenAI ", Settings: map[string]any{"api_key": "sk", "stream": false}}, nil)
	require.NoError(t, err)
	oa, ok := m.(*openai.Adapter)
	require.True(t, ok)
	assert.False(t, oa.Streams())
}

func TestSystemPromptFromAgentProfile(t *testing.T) {
	assert.Empty(t, systemPrompt(AgentProfileConfig{}))
	p := systemPrompt(AgentProfileConfig{Business: "Northwind Heating & Air", Style: "warm and brief"})
	assert.Contains(t, p, "concierge of Northwind Heating & Air.")
	assert.Contains(t, p, "Style: warm and brief")
}
