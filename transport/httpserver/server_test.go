package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/contextfeed"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/session"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
	"github.com/Trafexofive/Cortex-MK1-sub002/observability"
)

type fakeBackend struct{}

func (f *fakeBackend) StreamComplete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk, 1)
	out <- llm.Chunk{Text: `<response final="true">done</response>`, Done: true}
	close(out)
	return out, nil
}

func (f *fakeBackend) CompleteOnce(ctx context.Context, prompt string, params map[string]any) (string, error) {
	return "", nil
}

func (f *fakeBackend) ModelName() string { return "fake" }

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	emitter := event.NewEmitter(64)
	caps := capability.NewRegistry()
	feeds := contextfeed.New(caps, emitter)
	meta := metadata.New(nil, nil, emitter, nil)
	return session.New(config.AgentConfig{Persona: "p", IterationCap: 3}, &fakeBackend{}, caps, feeds, meta, emitter)
}

func newTestServer(t *testing.T, factory Factory) *Server {
	t.Helper()
	return New(Config{}, factory, nil, nil, nil)
}

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Duration(0), cfg.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleCreateSessionSuccess(t *testing.T) {
	factory := func(ctx context.Context, agentName string) (*session.Session, error) {
		assert.Equal(t, "my-agent", agentName)
		return newTestSession(t), nil
	}
	s := newTestServer(t, factory)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`{"agent": "my-agent"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body createSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.SessionID)
	assert.Contains(t, body.EventsURL, body.SessionID)

	_, ok := s.lookupSession(body.SessionID)
	assert.True(t, ok)
}

func TestHandleCreateSessionMissingAgentField(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context, agentName string) (*session.Session, error) {
		t.Fatal("factory must not be called without an agent name")
		return nil, nil
	})
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateSessionMalformedJSON(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateSessionFactoryError(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context, agentName string) (*session.Session, error) {
		return nil, errors.New("unknown agent")
	})
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`{"agent": "ghost"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleDeleteSessionUnknownID(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/does-not-exist", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleDeleteSessionCancelsRunningSession(t *testing.T) {
	sess := newTestSession(t)
	factory := func(ctx context.Context, agentName string) (*session.Session, error) {
		return sess, nil
	}
	s := newTestServer(t, factory)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`{"agent": "a"}`))
	require.NoError(t, err)
	var body createSessionResponse
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/"+body.SessionID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, delResp.StatusCode)
}

func TestHandleSessionEventsStreamsSSEFrames(t *testing.T) {
	sess := newTestSession(t)
	factory := func(ctx context.Context, agentName string) (*session.Session, error) {
		return sess, nil
	}
	s := newTestServer(t, factory)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions/", "application/json", strings.NewReader(`{"agent": "a"}`))
	require.NoError(t, err)
	var body createSessionResponse
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()

	eventsResp, err := http.Get(srv.URL + body.EventsURL)
	require.NoError(t, err)
	defer eventsResp.Body.Close()
	assert.Equal(t, "text/event-stream", eventsResp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(eventsResp.Body)
	var sawEventLine bool
	deadline := time.Now().Add(3 * time.Second)
	for scanner.Scan() && time.Now().Before(deadline) {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			sawEventLine = true
			break
		}
	}
	assert.True(t, sawEventLine, "expected at least one SSE event frame")
}

func TestHandleSessionEventsUnknownID(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteSSEFrameFormat(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeResponseWriter{Buffer: &buf}
	err := writeSSEFrame(w, event.Event{Seq: 5, Type: event.TypeSessionEnd, Payload: event.SessionEndPayload{Reason: "done"}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: session_end\n")
	assert.Contains(t, out, "id: 5\n")
	assert.Contains(t, out, `"reason":"done"`)
}

type fakeResponseWriter struct {
	*bytes.Buffer
}

func (f *fakeResponseWriter) Header() http.Header       { return http.Header{} }
func (f *fakeResponseWriter) WriteHeader(statusCode int) {}

func TestMetricsEndpointExposedWhenMetricsProvided(t *testing.T) {
	m := observability.NewMetrics(&observability.MetricsConfig{Enabled: true, Namespace: "httptest"})
	require.NotNil(t, m)
	s := New(Config{}, nil, m, nil, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointAbsentWhenNoMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReapIdleCancelsOnlyIdleSessions(t *testing.T) {
	sess := newTestSession(t)
	s := newTestServer(t, nil)

	cancelled := false
	rs := &runningSession{sess: sess, cancel: func() { cancelled = true }}
	s.registerSession(rs)

	s.ReapIdle(time.Hour)
	assert.False(t, cancelled, "a freshly-active session must not be reaped with a long idle window")

	s.ReapIdle(0)
	assert.True(t, cancelled, "a zero idle window reaps immediately")
}
