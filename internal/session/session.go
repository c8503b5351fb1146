// Package session holds per-conversation state and the ordered output
// stream a boundary reads from while the orchestrator works.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/spboyer/agentsphere/internal/models"
)

// ErrBusy is returned by Begin while another request streams from the
// session.
var ErrBusy = errors.New("session is already processing a request")

// RepositoryRef locates the repository allocated for a session.
type RepositoryRef struct {
	AllocID string
	Name    string
}

// Session is one conversation between a user and the orchestrator.
type Session struct {
	ID   string
	User models.User

	events Logger

	mu          sync.Mutex
	messages    []models.Message
	difficulty  models.Difficulty
	graph       *models.TaskGraph
	description string
	repo        *RepositoryRef
	queue       *Queue
}

// New creates a session. A nil logger discards events.
func New(id string, user models.User, history []models.Message, events Logger) *Session {
	if events == nil {
		events = NopLogger{}
	}
	return &Session{
		ID:       id,
		User:     user,
		events:   events,
		messages: slices.Clone(history),
	}
}

// ID derives the session identifier from the owning user and the first
// message of the conversation.
func ID(userID, firstMessage string) string {
	sum := md5.Sum([]byte(userID + firstMessage))
	return hex.EncodeToString(sum[:])
}

// Begin attaches q as the output of the request now being processed.
func (s *Session) Begin(q *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return ErrBusy
	}
	s.queue = q
	return nil
}

// End detaches the current output queue.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// Emit streams text to the attached queue. Without a queue it is dropped.
func (s *Session) Emit(ctx context.Context, text string) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Emit(ctx, text)
}

// Finish enqueues the end marker on the attached queue.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Close(ctx)
}

// Log records an event in the session log.
func (s *Session) Log(t EventType, data map[string]any) {
	if err := s.events.Log(NewEvent(s.ID, t, data)); err != nil {
		slog.Warn("writing session event", "session", s.ID, "type", t, "error", err)
	}
}

// Close releases the session log.
func (s *Session) Close() error {
	return s.events.Close()
}

// Messages returns a copy of the conversation history.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// AppendMessages adds messages to the conversation history.
func (s *Session) AppendMessages(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

func (s *Session) Difficulty() models.Difficulty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

func (s *Session) SetDifficulty(d models.Difficulty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = d
}

// Graph returns the session's task graph, nil for simple requests.
func (s *Session) Graph() *models.TaskGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *Session) SetGraph(g *models.TaskGraph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = g
}

// Description returns the refined project description.
func (s *Session) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

func (s *Session) SetDescription(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = d
}

// Repository returns the repository allocated for the session, if any.
func (s *Session) Repository() *RepositoryRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo
}

func (s *Session) SetRepository(ref *RepositoryRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo = ref
}
