package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omniroute/omniroute/internal/breaker"
	"github.com/omniroute/omniroute/internal/correlation"
	"github.com/omniroute/omniroute/internal/decisionlog"
	"github.com/omniroute/omniroute/internal/provider"
	"github.com/omniroute/omniroute/internal/quota"
	"github.com/omniroute/omniroute/internal/router"
	"github.com/omniroute/omniroute/internal/telemetry"
)

type scriptedClient struct {
	err error
}

func (c *scriptedClient) Complete(_ context.Context, req provider.Request) (*provider.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &provider.Result{Model: "stub", Content: "hello back", TotalTokens: 42}, nil
}

func (c *scriptedClient) CheckHealth(context.Context) bool { return true }

type apiFixture struct {
	handler http.Handler
	local   *scriptedClient
	remote  *scriptedClient
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	local := &scriptedClient{}
	remote := &scriptedClient{}

	registry := provider.NewRegistry()
	if err := registry.Register(provider.Profile{Name: "local", Local: true, IsFree: true}, local); err != nil {
		t.Fatalf("Register(local) error: %v", err)
	}
	if err := registry.Register(provider.Profile{Name: "remote-a", IsFree: true}, remote); err != nil {
		t.Fatalf("Register(remote-a) error: %v", err)
	}

	tracker := quota.NewTracker(quota.NewMemoryStore())
	breakers := breaker.NewSet(breaker.Config{}, []string{"remote-a"}, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	requestRouter, err := router.New(router.Options{
		Registry: registry,
		Tracker:  tracker,
		Breakers: breakers,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("router.New() error: %v", err)
	}

	store, err := decisionlog.NewSQLiteStore(filepath.Join(t.TempDir(), "omniroute.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	writer := decisionlog.NewWriter(store, 16)
	writer.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = writer.Shutdown(ctx)
	})

	recorder := telemetry.NewRecorder(telemetry.Options{
		Writer:   writer,
		Store:    store,
		Registry: registry,
		Tracker:  tracker,
		Breakers: breakers,
		Logger:   logger,
	})

	handler := NewRouter(RouterOptions{
		AppVersion: "test",
		Router:     requestRouter,
		Recorder:   recorder,
		Logger:     logger,
	})
	return &apiFixture{handler: handler, local: local, remote: remote}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestRouteEndpointServesRequest(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodPost, "/v1/route", `{
		"task_type": "chat",
		"payload": {"messages": [{"role": "user", "content": "hello"}]}
	}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get(correlation.HeaderName); got == "" {
		t.Fatal("response must carry a request identifier header")
	}

	var payload routeResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Provider != "remote-a" {
		t.Fatalf("provider=%q, want remote-a", payload.Provider)
	}
	if payload.ID == "" {
		t.Fatal("response must carry a decision id")
	}
	if len(payload.Attempts) != 1 || payload.Attempts[0].Outcome != "success" {
		t.Fatalf("attempts=%v, want one success", payload.Attempts)
	}
}

func TestRouteEndpointRejectsUnknownTaskType(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodPost, "/v1/route", `{
		"task_type": "interpretive_dance",
		"payload": {"messages": [{"role": "user", "content": "hi"}]}
	}`)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422", resp.Code)
	}
}

func TestRouteEndpointRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"unknown field", `{"task": "chat", "payload": {"messages": [{"role": "u", "content": "x"}]}}`},
		{"empty messages", `{"payload": {"messages": []}}`},
		{"negative estimate", `{"estimated_tokens": -5, "payload": {"messages": [{"role": "u", "content": "x"}]}}`},
	}
	for _, tc := range cases {
		resp := doJSON(t, f.handler, http.MethodPost, "/v1/route", tc.body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want 400", tc.name, resp.Code)
		}
	}
}

func TestRouteEndpointRequiresPost(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodGet, "/v1/route", "")
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", resp.Code)
	}
}

func TestRouteEndpointReportsExhaustion(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.remote.err = errors.New("upstream down")
	f.local.err = errors.New("local store corrupt")

	resp := doJSON(t, f.handler, http.MethodPost, "/v1/route", `{
		"payload": {"messages": [{"role": "user", "content": "hello"}]}
	}`)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", resp.Code)
	}

	var payload exhaustedResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Attempts) != 2 {
		t.Fatalf("attempts=%v, want remote then local", payload.Attempts)
	}
	if payload.Attempts[1].Provider != "local" {
		t.Fatalf("last attempt=%v, want local", payload.Attempts[1])
	}
}

func TestProvidersHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodGet, "/v1/providers/health", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", resp.Code, resp.Body.String())
	}

	var payload struct {
		Providers []telemetry.HealthSnapshot `json:"providers"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Providers) != 2 {
		t.Fatalf("providers=%v, want local and remote-a", payload.Providers)
	}
	if payload.Providers[0].Provider != "local" || payload.Providers[1].Provider != "remote-a" {
		t.Fatalf("providers=%v, want name order", payload.Providers)
	}
}

func TestProviderStatsEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	// Serve one request so stats have something to aggregate.
	resp := doJSON(t, f.handler, http.MethodPost, "/v1/route", `{
		"payload": {"messages": [{"role": "user", "content": "hello"}]}
	}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("route status=%d", resp.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = doJSON(t, f.handler, http.MethodGet, "/v1/providers/stats?provider=remote-a", "")
		if resp.Code != http.StatusOK {
			t.Fatalf("stats status=%d, body=%s", resp.Code, resp.Body.String())
		}
		var stats decisionlog.ProviderStats
		if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if stats.RequestsMade == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats=%+v, async write never landed", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodGet, "/api/health", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status=%d", resp.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Version != "test" {
		t.Fatalf("health=%+v, want ok/test", payload)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	resp := doJSON(t, f.handler, http.MethodOptions, "/v1/route", "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("preflight must allow all origins")
	}
}

func TestEstimateTokensGrowsWithContent(t *testing.T) {
	t.Parallel()

	short := EstimateTokens([]provider.Message{{Role: "user", Content: "hi"}})
	long := EstimateTokens([]provider.Message{{Role: "user", Content: strings.Repeat("routing tables and breakers ", 50)}})
	if short <= 0 {
		t.Fatalf("short estimate=%d, want positive", short)
	}
	if long <= short {
		t.Fatalf("long estimate=%d not greater than short=%d", long, short)
	}
}
