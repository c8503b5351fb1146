// Package repository manages the git working trees that tasks change. Each
// repository lives at <root>/<allocation id>/<name>.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for repositories that do not exist.
	ErrNotFound = errors.New("repository not found")
	// ErrInvalidPath is returned for names and file paths that would leave
	// the repository root.
	ErrInvalidPath = errors.New("invalid repository path")
)

const (
	DefaultAuthorName  = "agentsphere"
	DefaultAuthorEmail = "agentsphere@localhost"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manager creates and locates repositories below a root directory.
type Manager struct {
	root        string
	authorName  string
	authorEmail string
	logger      *slog.Logger

	mu    sync.Mutex
	repos map[string]*Repo
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthor sets the identity used for commits.
func WithAuthor(name, email string) Option {
	return func(m *Manager) {
		m.authorName = name
		m.authorEmail = email
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager rooted at root.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:        root,
		authorName:  DefaultAuthorName,
		authorEmail: DefaultAuthorEmail,
		logger:      slog.Default(),
		repos:       make(map[string]*Repo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the directory repositories are created in.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the working tree directory of a repository.
func (m *Manager) Path(allocID, name string) (string, error) {
	if !segmentPattern.MatchString(allocID) || !segmentPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidPath, allocID, name)
	}
	return filepath.Join(m.root, allocID, name), nil
}

// SanitizeName turns a free-form name into a directory name.
func SanitizeName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		ok := r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_'
		if ok {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		return "repo"
	}
	return s
}

// NameFromURL derives the repository name of a clone URL.
func NameFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	// scp-like syntax: git@host:owner/name.git
	if i := strings.LastIndex(p, ":"); i >= 0 {
		p = p[i+1:]
	}
	return SanitizeName(strings.TrimSuffix(path.Base(p), ".git"))
}

// Open returns the repository allocID/name, initializing it with an
// initial commit when it does not exist yet.
func (m *Manager) Open(ctx context.Context, allocID, name string) (*Repo, error) {
	dir, err := m.Path(allocID, name)
	if err != nil {
		return nil, err
	}
	if r, ok := m.cached(dir); ok {
		return r, nil
	}
	if isRepo(dir) {
		return m.attach(ctx, allocID, name, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}
	if _, err := m.git(ctx, dir, "init", "-q"); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# Add files to ignore\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing .gitignore: %w", err)
	}
	if _, err := m.git(ctx, dir, "add", ".gitignore"); err != nil {
		return nil, err
	}
	if _, err := m.git(ctx, dir, "commit", "-q", "-m", "Initial commit"); err != nil {
		return nil, err
	}
	m.logger.Info("initialized repository", "path", dir)
	return m.attach(ctx, allocID, name, dir)
}

// Clone clones rawURL into allocID/<name derived from the URL>.
func (m *Manager) Clone(ctx context.Context, allocID, rawURL string) (*Repo, error) {
	name := NameFromURL(rawURL)
	dir, err := m.Path(allocID, name)
	if err != nil {
		return nil, err
	}
	if r, ok := m.cached(dir); ok {
		return r, nil
	}
	if isRepo(dir) {
		return m.attach(ctx, allocID, name, dir)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("creating allocation directory: %w", err)
	}
	if _, err := m.git(ctx, parent, "clone", "-q", "--", rawURL, name); err != nil {
		return nil, err
	}
	m.logger.Info("cloned repository", "url", rawURL, "path", dir)
	return m.attach(ctx, allocID, name, dir)
}

// Get returns an existing repository.
func (m *Manager) Get(ctx context.Context, allocID, name string) (*Repo, error) {
	dir, err := m.Path(allocID, name)
	if err != nil {
		return nil, err
	}
	if r, ok := m.cached(dir); ok {
		return r, nil
	}
	if !isRepo(dir) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, allocID, name)
	}
	return m.attach(ctx, allocID, name, dir)
}

func (m *Manager) cached(dir string) (*Repo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[dir]
	return r, ok
}

func (m *Manager) attach(ctx context.Context, allocID, name, dir string) (*Repo, error) {
	base := emptyTree
	if head, err := m.git(ctx, dir, "rev-parse", "--verify", "-q", "HEAD"); err == nil {
		base = strings.TrimSpace(head)
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r := &Repo{
		AllocID: allocID,
		Name:    name,
		dir:     dir,
		m:       m,
		base:    base,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.repos[dir]; ok {
		return existing, nil
	}
	m.repos[dir] = r
	return r, nil
}

func isRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
