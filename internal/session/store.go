package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/spboyer/agentsphere/internal/models"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// LoggerFactory opens the event log of a new session.
type LoggerFactory func(sessionID string) (Logger, error)

// Store keeps the live sessions of one process.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	openLogger LoggerFactory
	logger     *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEventLogs makes new sessions log their events through factory.
func WithEventLogs(factory LoggerFactory) StoreOption {
	return func(s *Store) { s.openLogger = factory }
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the session a chat request belongs to. A history of one
// message starts a new conversation and replaces any session with the same
// id. Longer histories continue the known session, whose own history gains
// the latest message; unknown ones start fresh from the full history.
func (s *Store) Open(user models.User, history []models.Message) (*Session, error) {
	if len(history) == 0 {
		return nil, errors.New("chat history is empty")
	}
	id := ID(user.ID, history[0].Content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(history) > 1 {
		if existing, ok := s.sessions[id]; ok {
			existing.AppendMessages(history[len(history)-1])
			return existing, nil
		}
	}
	old, replaced := s.sessions[id]
	if replaced {
		if err := old.Close(); err != nil {
			s.logger.Warn("closing replaced session log", "session", id, "error", err)
		}
	}

	var events Logger = NopLogger{}
	if s.openLogger != nil {
		l, err := s.openLogger(id)
		if err != nil {
			s.logger.Warn("session event log unavailable", "session", id, "error", err)
		} else {
			events = l
		}
	}

	sess := New(id, user, history, events)
	sess.Log(EventSessionOpened, OpenedData(user.ID, len(history), replaced))
	s.sessions[id] = sess
	s.logger.Debug("session opened", "session", id, "user", user.ID, "messages", len(history))
	return sess, nil
}

// Get returns a live session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
