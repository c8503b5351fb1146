package webapi

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spboyer/agentsphere/internal/auth"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/remote"
	"github.com/spboyer/agentsphere/internal/repository"
	"github.com/spboyer/agentsphere/internal/session"
)

type processorFunc func(ctx context.Context, sess *session.Session, request string) error

func (f processorFunc) Process(ctx context.Context, sess *session.Session, request string) error {
	return f(ctx, sess, request)
}

// echoProcessor streams the request back.
var echoProcessor = processorFunc(func(ctx context.Context, sess *session.Session, request string) error {
	if err := sess.Emit(ctx, "you said: "+request); err != nil {
		return err
	}
	return sess.Finish(ctx)
})

type testEnv struct {
	deps    Deps
	handler http.Handler
}

func newEnv(t *testing.T, p Processor) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)
	hub := remote.NewHub(remote.WithPingInterval(0))
	t.Cleanup(hub.Close)

	deps := Deps{
		Sessions:  session.NewStore(),
		Processor: p,
		Auth:      auth.NewAuthenticator(nil, nil),
		Tokens:    tokens,
		Hub:       hub,
		Repos:     repository.NewManager(t.TempDir()),
		ModelName: "sphere",
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return &testEnv{deps: deps, handler: mux}
}

func (e *testEnv) do(t *testing.T, method, target, body string, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeChunks(t *testing.T, body string) []ChatChunk {
	t.Helper()
	var chunks []ChatChunk
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var c ChatChunk
		require.NoError(t, json.Unmarshal(sc.Bytes(), &c), sc.Text())
		chunks = append(chunks, c)
	}
	return chunks
}

func TestHandleHealth(t *testing.T) {
	env := newEnv(t, echoProcessor)

	rec := env.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, Version, body.Version)
	assert.Zero(t, body.Executors)
}

func TestHandleTagsAndVersion(t *testing.T) {
	env := newEnv(t, echoProcessor)

	rec := env.do(t, http.MethodGet, "/api/tags", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tags TagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	require.Len(t, tags.Models, 1)
	assert.Equal(t, "sphere", tags.Models[0].Name)

	rec = env.do(t, http.MethodGet, "/api/version", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"`+Version+`"}`, rec.Body.String())
}

func TestHandleChat_Streams(t *testing.T) {
	env := newEnv(t, echoProcessor)

	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"model":"sphere","messages":[{"role":"user","content":"hi there"}]}`, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	chunks := decodeChunks(t, rec.Body.String())
	require.NotEmpty(t, chunks)
	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.Done)
		assert.Equal(t, models.RoleAssistant, c.Message.Role)
		text.WriteString(c.Message.Content)
	}
	assert.Equal(t, "you said: hi there", text.String())

	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "stop", last.DoneReason)
	assert.Empty(t, last.Message.Content)
	assert.Equal(t, 1, env.deps.Sessions.Len())

	// images is always present, as Ollama clients expect it
	assert.Contains(t, strings.SplitN(rec.Body.String(), "\n", 2)[0], `"images":null`)
}

func TestHandleChat_Rejects(t *testing.T) {
	env := newEnv(t, echoProcessor)

	tests := []struct {
		name string
		body string
		user string
		want int
	}{
		{name: "no identity", body: `{"messages":[{"role":"user","content":"x"}]}`, want: http.StatusUnauthorized},
		{name: "not streaming", body: `{"stream":false,"messages":[{"role":"user","content":"x"}]}`, user: "u1", want: http.StatusBadRequest},
		{name: "no messages", body: `{"messages":[]}`, user: "u1", want: http.StatusBadRequest},
		{name: "bad json", body: `{`, user: "u1", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/chat", tt.body, tt.user)
			assert.Equal(t, tt.want, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Code)
		})
	}
}

func TestHandleChat_DisconnectCancelsProcessing(t *testing.T) {
	cancelled := make(chan struct{})
	env := newEnv(t, processorFunc(func(ctx context.Context, sess *session.Session, _ string) error {
		if err := sess.Emit(ctx, "started"); err != nil {
			return err
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"long job"}]}`))
	require.NoError(t, err)
	req.Header.Set(auth.HeaderUserID, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "started")
	cancel()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("processing was not cancelled")
	}
}

func TestHandleCallback(t *testing.T) {
	env := newEnv(t, echoProcessor)
	rec := env.do(t, http.MethodPost, "/callback/abc", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	env := newEnv(t, echoProcessor)
	repo, err := env.deps.Repos.Open(context.Background(), "a1", "calc")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateFiles(context.Background(), map[string]string{"main.go": "package main\n"}))

	rec := env.do(t, http.MethodGet, "/repos/a1/calc", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="calc.zip"`)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "calc/main.go")

	rec = env.do(t, http.MethodGet, "/repos/a1/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/repos/..%2F..%2Fetc/passwd", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutorTokenAndWebsocket(t *testing.T) {
	env := newEnv(t, echoProcessor)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/tools/token", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)
	assert.NotEmpty(t, tok.ExecutorID)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/wss?token="
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+tok.Token, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool {
		_, ok := env.deps.Hub.Lookup("u1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleExecutorFile(t *testing.T) {
	env := newEnv(t, echoProcessor)

	rec := env.do(t, http.MethodPost, "/api/v1/executor/files", "echo hi", "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "name is required")

	rec = env.do(t, http.MethodPost, "/api/v1/executor/files?name=run.sh", "echo hi", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.CommandResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, remote.StatusNoReceiver, res.StatusCode)
}

func TestExecutorEndpointsWithoutTokens(t *testing.T) {
	env := newEnv(t, echoProcessor)
	env.deps.Tokens = nil
	mux := http.NewServeMux()
	RegisterRoutes(mux, env.deps)
	env.handler = mux

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/v1/tools/token", "", "u1").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/v1/wss?token=x", "", "").Code)
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := CORSMiddleware(next, "https://chat.example")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://chat.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
