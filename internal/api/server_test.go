package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/loom/internal/events"
	"github.com/mattjoyce/loom/internal/log"
)

func testServer(apiKey string) *Server {
	hub := events.NewHub(16)
	status := func() RunStatus {
		return RunStatus{Passed: 3, Failed: 1, Workers: 2}
	}
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, hub, status, log.WithComponent("api-test"))
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer("")
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"passed":3`)
	assert.Contains(t, body, `"failed":1`)
	assert.Contains(t, body, `"workers":2`)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer("")
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	s := testServer("sekret")
	handler := s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing token", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic sekret", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer sekret", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestEventsEndpointReplaysBuffer(t *testing.T) {
	t.Parallel()

	s := testServer("")
	s.events.Publish(events.TypeTestBegin, map[string]any{"test_id": "t1"})
	s.events.Publish(events.TypeTestEnd, map[string]any{"test_id": "t1", "status": "passed"})

	// A pre-cancelled context lets the handler flush the snapshot and
	// return instead of streaming forever.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.handleEvents(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: "+events.TypeTestBegin)
	assert.Contains(t, body, "event: "+events.TypeTestEnd)
	assert.Contains(t, body, `"status":"passed"`)
	// SSE frames end with a blank line.
	assert.True(t, strings.Contains(body, "\n\n"))
}

func TestEventsEndpointHonorsLastEventID(t *testing.T) {
	t.Parallel()

	s := testServer("")
	s.events.Publish(events.TypeTestBegin, map[string]any{"test_id": "old"})
	s.events.Publish(events.TypeTestEnd, map[string]any{"test_id": "new"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	s.handleEvents(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, "old")
	assert.Contains(t, body, "new")
}
