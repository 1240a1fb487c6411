package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/threadline/pkg/backend/backendtest"
	"github.com/harun/threadline/pkg/orchestrator"
	"github.com/harun/threadline/pkg/sessionstore"
	"github.com/harun/threadline/pkg/turnerr"
)

func newTestServer(t *testing.T, fake *backendtest.Fake) (*httptest.Server, *sessionstore.Memory) {
	t.Helper()

	store := sessionstore.NewMemory()
	o := orchestrator.New(orchestrator.Options{
		Store:          store,
		Logger:         zerolog.Nop(),
		PollInterval:   time.Millisecond,
		MaxAttempts:    20,
		RetryBaseDelay: time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = o.Close() })
	require.NoError(t, o.Register(orchestrator.Agent{Name: "planner", DisplayName: "Planner", Persistent: true, Client: fake}))

	srv := httptest.NewServer(New(Options{Logger: zerolog.Nop()}, o).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func postTurn(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/v1/turns", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHandleTurn_Success(t *testing.T) {
	fake := backendtest.New()
	fake.Reply = func(input string) string {
		return `[{"name":"Planner","response":"ok","steps":3}]`
	}
	srv, store := newTestServer(t, fake)

	resp, out := postTurn(t, srv.URL, `{"agent":"planner","input":"plan the week","context":{"user":"u1"}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "planner", out["agent"])
	assert.Equal(t, false, out["fallback"])
	result := out["result"].([]any)
	require.Len(t, result, 1)
	assert.Equal(t, "ok", result[0].(map[string]any)["response"])

	// the agent default is persistent
	id, ok, err := store.Get(context.Background(), "planner")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, out["session_id"])
}

func TestHandleTurn_ScalarArrayIsReturnedUnchanged(t *testing.T) {
	fake := backendtest.New()
	fake.Reply = func(input string) string {
		return `[1, "two", null]`
	}
	srv, _ := newTestServer(t, fake)

	resp, out := postTurn(t, srv.URL, `{"agent":"planner","input":"count"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["fallback"])
	assert.Equal(t, []any{float64(1), "two", nil}, out["result"])
}

func TestHandleTurn_EphemeralOverride(t *testing.T) {
	fake := backendtest.New()
	srv, store := newTestServer(t, fake)

	resp, out := postTurn(t, srv.URL, `{"agent":"planner","input":"hi","persistent":false}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["fallback"])
	_, ok, err := store.Get(context.Background(), "planner")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, fake.Deleted(), 1)
}

func TestHandleTurn_Errors(t *testing.T) {
	fake := backendtest.New()
	fake.CreateErr = errors.New("upstream said: invalid api key sk-live-secret")
	srv, _ := newTestServer(t, fake)

	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"malformed body", `{"agent":`, http.StatusBadRequest, "invalid request body"},
		{"missing input", `{"agent":"planner"}`, http.StatusBadRequest, "agent and input are required"},
		{"unknown agent", `{"agent":"ghost","input":"x"}`, http.StatusNotFound, "unknown agent"},
		{"backend failure is generic", `{"agent":"planner","input":"x"}`, http.StatusBadGateway, "processing error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postTurn(t, srv.URL, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.msg, out["error"])
			assert.NotContains(t, out["error"], "sk-live-secret")
		})
	}
}

func TestHandleTurn_RequestIDIsEchoed(t *testing.T) {
	srv, _ := newTestServer(t, backendtest.New())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/turns", strings.NewReader(`{"agent":"planner","input":"x"}`))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{turnerr.New(turnerr.KindRequestTimeout, "", nil), http.StatusGatewayTimeout},
		{turnerr.New(turnerr.KindPollTimeout, "", nil), http.StatusGatewayTimeout},
		{turnerr.New(turnerr.KindRetryExhausted, "", nil), http.StatusServiceUnavailable},
		{turnerr.New(turnerr.KindSessionInit, "", nil), http.StatusBadGateway},
		{turnerr.WithStatus(turnerr.KindBackendFailure, "failed", "", nil), http.StatusBadGateway},
		{orchestrator.ErrUnknownAgent, http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestHandleAgentsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, backendtest.New())

	resp, err := http.Get(srv.URL + "/v1/agents")
	require.NoError(t, err)
	var agents struct {
		Agents []struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
			Persistent  bool   `json:"persistent"`
			Backend     string `json:"backend"`
		} `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	resp.Body.Close()
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "Planner", agents.Agents[0].DisplayName)
	assert.Equal(t, "fake", agents.Agents[0].Backend)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["agents"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, backendtest.New())

	_, _ = postTurn(t, srv.URL, `{"agent":"planner","input":"x"}`)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "threadline_submit_total")
}

func TestStopWithoutStart(t *testing.T) {
	s := New(Options{Logger: zerolog.Nop()}, nil)
	assert.NoError(t, s.Stop(context.Background()))
}
