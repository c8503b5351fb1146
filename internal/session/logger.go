package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger records session events.
type Logger interface {
	Log(event Event) error
	Close() error
}

// JSONLogger appends the events of one session to a JSON-lines file.
type JSONLogger struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	session string
	written int
}

// OpenLog opens the event log of sessionID inside dir. A log left by an
// earlier conversation with the same id is archived as
// <id>-<timestamp>.jsonl first, so every conversation starts a fresh file.
func OpenLog(dir, sessionID string) (*JSONLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session log directory: %w", err)
	}
	path := LogPath(dir, sessionID)
	if _, err := os.Stat(path); err == nil {
		archived := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", sessionID, time.Now().UTC().Format("20060102T150405.000Z")))
		if err := os.Rename(path, archived); err != nil {
			return nil, fmt.Errorf("archiving session log: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking session log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	return &JSONLogger{file: f, enc: json.NewEncoder(f), session: sessionID}, nil
}

// Log writes event as one line. Events without a session are attributed
// to the log's session; events of another session are rejected.
func (l *JSONLogger) Log(event Event) error {
	if event.Session == "" {
		event.Session = l.session
	} else if event.Session != l.session {
		return fmt.Errorf("event of session %s written to log of %s", event.Session, l.session)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(event); err != nil {
		return err
	}
	l.written++
	return nil
}

// Written reports how many events the log holds.
func (l *JSONLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *JSONLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the log file.
func (l *JSONLogger) Path() string {
	return l.file.Name()
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event) error { return nil }
func (NopLogger) Close() error    { return nil }

// LogPath returns the live log file of a session inside dir.
func LogPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}
