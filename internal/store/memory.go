// Package store provides task result stores: an in-memory map for single
// process deployments and a SQLite table that survives restarts.
package store

import (
	"context"
	"sync"
)

// Memory is a mutex-guarded map of session id to task id to result.
type Memory struct {
	mu      sync.RWMutex
	results map[string]map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]map[string]string)}
}

// Record stores result for the task, replacing any earlier value.
func (m *Memory) Record(_ context.Context, sessionID, taskID, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTask, ok := m.results[sessionID]
	if !ok {
		byTask = make(map[string]string)
		m.results[sessionID] = byTask
	}
	byTask[taskID] = result
	return nil
}

// Lookup returns the recorded result of a task.
func (m *Memory) Lookup(_ context.Context, sessionID, taskID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[sessionID][taskID]
	return r, ok, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
