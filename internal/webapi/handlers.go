// Package webapi is the HTTP boundary: the Ollama-compatible chat API, the
// executor websocket and the repository downloads.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spboyer/agentsphere/internal/auth"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/remote"
	"github.com/spboyer/agentsphere/internal/repository"
	"github.com/spboyer/agentsphere/internal/session"
)

// Version is set at build time or defaults to dev.
var Version = "0.1.0-dev"

// MaxUploadSize bounds files forwarded to an executor.
const MaxUploadSize = 32 << 20

// Processor handles one chat request of a session and finishes its output.
type Processor interface {
	Process(ctx context.Context, sess *session.Session, request string) error
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Sessions  *session.Store
	Processor Processor
	Auth      *auth.Authenticator
	// Tokens is nil when no executor secret is configured; executor
	// endpoints then answer 503.
	Tokens *auth.Tokens
	Hub    *remote.Hub
	Repos  *repository.Manager
	// ModelName is advertised by /api/tags and echoed in chat chunks.
	ModelName   string
	StreamDelay time.Duration
	Logger      *slog.Logger
}

// Handlers holds the HTTP handler methods for the web API.
type Handlers struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// NewHandlers creates a new Handlers with the given collaborators.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ModelName == "" {
		deps.ModelName = "agentsphere"
	}
	return &Handlers{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		started: time.Now().UTC(),
	}
}

// RegisterRoutes registers all web API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, deps Deps) {
	h := NewHandlers(deps)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /api/version", h.HandleVersion)
	mux.HandleFunc("GET /api/tags", h.HandleTags)
	mux.HandleFunc("POST /api/chat", h.HandleChat)
	mux.HandleFunc("POST /callback/{session}", h.HandleCallback)
	mux.HandleFunc("GET /repos/{alloc}/{name}", h.HandleRepository)
	mux.HandleFunc("GET /api/v1/wss", h.HandleExecutor)
	mux.HandleFunc("POST /api/v1/tools/token", h.HandleIssueToken)
	mux.HandleFunc("POST /api/v1/executor/files", h.HandleExecutorFile)
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Version: Version}
	if h.deps.Hub != nil {
		resp.Executors = h.deps.Hub.Len()
	}
	if h.deps.Sessions != nil {
		resp.Sessions = h.deps.Sessions.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleVersion answers like an Ollama server.
func (h *Handlers) HandleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: Version})
}

// HandleTags lists the single model chat front ends can select.
func (h *Handlers) HandleTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TagsResponse{Models: []ModelTag{{
		Name:       h.deps.ModelName,
		Model:      h.deps.ModelName,
		ModifiedAt: h.started,
		Details:    ModelDetails{Format: "agent", Family: "agentsphere"},
	}}})
}

// HandleChat streams the processing of the latest message as NDJSON chunks.
// A client disconnect cancels processing.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat request: "+err.Error())
		return
	}
	if req.Stream != nil && !*req.Stream {
		writeError(w, http.StatusBadRequest, "only streaming responses are supported")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	sess, err := h.deps.Sessions.Open(user, req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := session.NewQueue(session.DefaultQueueCapacity, h.deps.StreamDelay)
	if err := sess.Begin(q); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer sess.End()

	logger := h.logger.With("session", sess.ID, "user", user.ID)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	request := req.Messages[len(req.Messages)-1].Content
	done := make(chan error, 1)
	go func() {
		done <- h.deps.Processor.Process(ctx, sess, request)
	}()

	model := req.Model
	if model == "" {
		model = h.deps.ModelName
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		tok, more, err := q.Next(ctx)
		if err != nil {
			logger.Info("chat client went away", "error", err)
			break
		}
		chunk := ChatChunk{
			Model:     model,
			CreatedAt: time.Now().UTC(),
			Message:   ChatMessage{Role: models.RoleAssistant, Content: tok},
			Done:      !more,
		}
		if !more {
			chunk.DoneReason = "stop"
		}
		if err := enc.Encode(chunk); err != nil {
			logger.Info("writing chat chunk", "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if !more {
			break
		}
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("chat request ended with error", "error", err)
	}
}

// HandleCallback acknowledges asynchronous notifications for a session.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	_, err := h.deps.Sessions.Get(id)
	h.logger.Debug("session callback", "session", id, "known", err == nil)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleRepository serves a repository as a zip archive.
func (h *Handlers) HandleRepository(w http.ResponseWriter, r *http.Request) {
	alloc, name := r.PathValue("alloc"), r.PathValue("name")
	repo, err := h.deps.Repos.Get(r.Context(), alloc, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidPath) {
			writeError(w, http.StatusNotFound, "repository not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	var buf bytes.Buffer
	if err := repo.Archive(&buf); err != nil {
		h.logger.Error("archiving repository", "alloc", alloc, "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "archiving repository failed")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+repo.Name+`.zip"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes()) //nolint:errcheck
}

// HandleExecutor upgrades an executor connection and hands it to the hub.
func (h *Handlers) HandleExecutor(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "executor connections are not configured")
		return
	}
	claims, err := h.deps.Tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Info("rejected executor", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid executor token")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Info("executor upgrade failed", "error", err)
		return
	}
	h.logger.Info("executor connected", "user", claims.UserID, "executor", claims.ExecutorID)
	h.deps.Hub.Serve(r.Context(), ws, claims.ExecutorID, claims.UserID)
	h.logger.Info("executor disconnected", "user", claims.UserID, "executor", claims.ExecutorID)
}

// HandleIssueToken issues an executor token for the authenticated user.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "executor tokens are not configured")
		return
	}
	token, claims, err := h.deps.Tokens.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:      token,
		ExecutorID: claims.ExecutorID,
		ExpiresAt:  claims.ExpiresAt.Time,
	})
}

// HandleExecutorFile forwards the request body to the user's executor,
// which stores and runs it, and returns the executor's reply.
func (h *Handlers) HandleExecutorFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, MaxUploadSize)
	res, err := h.deps.Hub.SendFile(r.Context(), user.ID, name, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, err := h.deps.Auth.User(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return models.User{}, false
	}
	return user, true
}

// CORSMiddleware wraps a handler with CORS headers.
// If allowedOrigins is empty, no CORS header is set (same-origin only).
// Otherwise, the request Origin is checked against the allowed list.
func CORSMiddleware(next http.Handler, allowedOrigins ...string) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(allowedOrigins) > 0 && origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderUserID)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Code: code})
}
