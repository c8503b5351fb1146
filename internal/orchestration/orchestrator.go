// Package orchestration turns one inbound request into streamed work:
// it categorizes the request, plans it as a task graph when needed and
// runs every task through the agent loop.
package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spboyer/agentsphere/internal/agent"
	"github.com/spboyer/agentsphere/internal/artifacts"
	"github.com/spboyer/agentsphere/internal/llm"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/repository"
	"github.com/spboyer/agentsphere/internal/session"
	"github.com/spboyer/agentsphere/internal/taskgraph"
	"github.com/spboyer/agentsphere/internal/utils"
)

// ErrUnknownCategory is returned for a difficulty level the orchestrator
// has no strategy for.
var ErrUnknownCategory = errors.New("unknown request category")

const (
	checkingMessage = "Let me check how complex your request is...\n\n"
	findingMessage  = "Finding the best candidate to solve your request...\n\n"

	categorizePrompt = `Categorize the following request.
easy: just gathering information, even from multiple sources, or text generation. It can be answered right away after gathering information.
medium: requires a special background but can be done by one person. More than just gathering information.
complex: a team is required, multiple roles are involved.

Request:
%s`

	personaPrompt = `Based on the following request determine which role, background and skills an expert needs to solve it alone with a shell, a knowledge search and a git repository.

Request:
%s`
)

// Orchestrator processes requests for sessions. It holds no per-request
// state and may serve many sessions concurrently.
type Orchestrator struct {
	client     *llm.Client
	dispatcher agent.Dispatcher
	builder    *taskgraph.Builder
	repos      *repository.Manager
	results    taskgraph.ResultStore
	publisher  artifacts.Publisher
	publicURL  string
	loopOpts   []agent.Option
	logger     *slog.Logger

	listeners  []ProgressListener
	progressMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher publishes the archive of every finished repository.
func WithPublisher(p artifacts.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithPublicURL sets the base URL download links are built from.
func WithPublicURL(u string) Option {
	return func(o *Orchestrator) { o.publicURL = strings.TrimSuffix(u, "/") }
}

// WithLoopOptions passes options to every agent loop.
func WithLoopOptions(opts ...agent.Option) Option {
	return func(o *Orchestrator) { o.loopOpts = append(o.loopOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithListener registers a progress listener.
func WithListener(l ProgressListener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l) }
}

// New creates an orchestrator. Commands run through dispatcher, planned
// work lives in repositories of repos and text results go to results.
func New(client *llm.Client, dispatcher agent.Dispatcher, repos *repository.Manager, results taskgraph.ResultStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:     client,
		dispatcher: dispatcher,
		repos:      repos,
		results:    results,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.builder = taskgraph.NewBuilder(client, o.logger)
	return o
}

// Process handles request for sess and streams everything it does to the
// session's output. The output is finished exactly once, also on failure.
func (o *Orchestrator) Process(ctx context.Context, sess *session.Session, request string) error {
	logger := o.logger.With("session", sess.ID, "user", sess.User.ID)
	start := time.Now()
	sess.Log(session.EventSessionStart, map[string]any{"request": utils.Preview(request, 200)})
	logger.Info("processing request")

	err := o.process(ctx, sess, request, logger)
	if err != nil {
		logger.Error("request failed", "error", err)
		sess.Log(session.EventError, session.ErrorData(err.Error()))
		if ctx.Err() == nil {
			if emitErr := sess.Emit(ctx, fmt.Sprintf("❌ %v\n\n", err)); emitErr != nil {
				logger.Warn("streaming failure", "error", emitErr)
			}
		}
	}
	sess.Log(session.EventSessionComplete, map[string]any{
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if finErr := sess.Finish(ctx); finErr != nil {
		logger.Warn("finishing output", "error", finErr)
	}
	return err
}

func (o *Orchestrator) process(ctx context.Context, sess *session.Session, request string, logger *slog.Logger) error {
	if err := sess.Emit(ctx, checkingMessage); err != nil {
		return err
	}
	category, err := llm.Call[models.Category](ctx, o.client, []models.Message{
		models.SystemMessage("Categorize requests by how hard they are to solve."),
		models.UserMessage(fmt.Sprintf(categorizePrompt, request)),
	})
	if err != nil {
		return fmt.Errorf("categorizing request: %w", err)
	}
	sess.SetDifficulty(category.Level)
	sess.Log(session.EventCategorized, map[string]any{"level": string(category.Level), "certainty": category.Certainty})
	logger.Info("request categorized", "level", category.Level, "certainty", category.Certainty)
	if err := sess.Emit(ctx, fmt.Sprintf("Category: %s\n\n", category.Level)); err != nil {
		return err
	}

	loop := o.newLoop(sess, logger)
	switch category.Level {
	case models.DifficultyEasy:
		_, err := loop.Execute(ctx, agent.Run{
			UserID:   sess.User.ID,
			Messages: agent.RequestMessages(request),
			Request:  request,
			Output:   sess,
		})
		return err
	case models.DifficultyMedium, models.DifficultyComplex:
		return o.solve(ctx, sess, loop, request, logger)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category.Level)
	}
}

// newLoop builds a loop that records every tool call in the session log.
func (o *Orchestrator) newLoop(sess *session.Session, logger *slog.Logger) *agent.Loop {
	opts := append([]agent.Option{agent.WithLogger(logger)}, o.loopOpts...)
	opts = append(opts, agent.WithToolObserver(func(call agent.ToolCall, ok bool) {
		kind, detail := describe(call)
		sess.Log(session.EventToolCall, session.ToolCallData(kind, detail, ok))
	}))
	return agent.New(o.client, o.dispatcher, opts...)
}

func describe(call agent.ToolCall) (kind, detail string) {
	switch c := call.(type) {
	case agent.Command:
		return "command", c.Line
	case agent.KnowledgeQuery:
		return "knowledge", c.Query
	case agent.RepositoryUpdate:
		return "update", strings.Join(c.Paths(), ", ")
	}
	return "unknown", ""
}

func (o *Orchestrator) solve(ctx context.Context, sess *session.Session, loop *agent.Loop, request string, logger *slog.Logger) error {
	if err := sess.Emit(ctx, findingMessage); err != nil {
		return err
	}
	persona, err := llm.Call[models.Persona](ctx, o.client, []models.Message{
		models.SystemMessage("You are a manager staffing a request."),
		models.UserMessage(fmt.Sprintf(personaPrompt, request)),
	})
	if err != nil {
		return fmt.Errorf("choosing persona: %w", err)
	}
	logger.Info("persona chosen", "role", persona.Role)
	if err := sess.Emit(ctx, fmt.Sprintf("Starting agent with role %s with background '%s'...\n\n", persona.Role, persona.Background)); err != nil {
		return err
	}

	sess.SetDescription(request)
	draft, err := o.builder.Build(ctx, request, persona)
	if err != nil {
		return err
	}
	graph, err := o.builder.Critique(ctx, request, draft, persona)
	if err != nil {
		return err
	}
	sess.SetGraph(graph)
	sess.Log(session.EventGraphBuilt, map[string]any{
		"tasks":     len(graph.Tasks),
		"repo_url":  graph.RepoURL,
		"repo_name": graph.RepoName,
	})
	if err := sess.Emit(ctx, taskList(graph)); err != nil {
		return err
	}

	var repo *repository.Repo
	if graph.NeedsRepository() {
		if repo, err = o.allocate(ctx, sess, graph, logger); err != nil {
			return err
		}
	}

	for i := range graph.Tasks {
		if err := o.runTask(ctx, sess, loop, graph, i, persona, repo, logger); err != nil {
			return err
		}
	}

	if repo != nil {
		return o.deliver(ctx, sess, repo, logger)
	}
	return nil
}

func taskList(g *models.TaskGraph) string {
	var b strings.Builder
	b.WriteString("Planned tasks:\n")
	for i, t := range g.Tasks {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, t.Name, t.ResultType)
	}
	b.WriteString("\n")
	return b.String()
}

// allocate returns the session's repository, cloning the graph's URL or
// initializing a fresh repository on first use.
func (o *Orchestrator) allocate(ctx context.Context, sess *session.Session, graph *models.TaskGraph, logger *slog.Logger) (*repository.Repo, error) {
	if ref := sess.Repository(); ref != nil {
		repo, err := o.repos.Get(ctx, ref.AllocID, ref.Name)
		if err == nil {
			return repo, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		logger.Warn("session repository is gone, allocating a new one", "alloc", ref.AllocID, "name", ref.Name)
	}

	allocID := uuid.NewString()
	var (
		repo *repository.Repo
		err  error
	)
	if graph.RepoURL != "" {
		repo, err = o.repos.Clone(ctx, allocID, graph.RepoURL)
	} else {
		repo, err = o.repos.Open(ctx, allocID, repository.SanitizeName(graph.RepoName))
	}
	if err != nil {
		return nil, fmt.Errorf("allocating repository: %w", err)
	}
	sess.SetRepository(&session.RepositoryRef{AllocID: repo.AllocID, Name: repo.Name})
	logger.Info("repository allocated", "alloc", repo.AllocID, "name", repo.Name)
	return repo, nil
}

func (o *Orchestrator) runTask(ctx context.Context, sess *session.Session, loop *agent.Loop, graph *models.TaskGraph, i int, persona *models.Persona, repo *repository.Repo, logger *slog.Logger) error {
	task := &graph.Tasks[i]
	total := len(graph.Tasks)
	logger = logger.With("task", task.ID)

	o.notifyProgress(ProgressEvent{
		EventType:  EventTaskStart,
		SessionID:  sess.ID,
		TaskID:     task.ID,
		TaskName:   task.Name,
		TaskNum:    i + 1,
		TotalTasks: total,
	})
	sess.Log(session.EventTaskStart, session.TaskStartData(task.ID, task.Name, i+1, total))
	if err := sess.Emit(ctx, fmt.Sprintf("**Task %d/%d: %s**\n\n", i+1, total, task.Name)); err != nil {
		return err
	}
	start := time.Now()

	msgs, err := taskgraph.Resolve(ctx, task, graph, sess.ID, o.results, logger)
	if err != nil {
		return err
	}
	run := agent.Run{
		UserID:   sess.User.ID,
		Messages: append(msgs, agent.TaskMessages(persona, task, repo != nil)...),
		Request:  sess.Description(),
		Task:     task,
		Output:   sess,
	}
	if repo != nil {
		run.Repository = repo
		run.Placeholders = map[string]agent.Placeholder{"files": agent.FilesPlaceholder(repo)}
	}

	res, err := loop.Execute(ctx, run)
	state, turns := agent.StateFailed, 0
	if res != nil {
		state, turns = res.State, res.Turns
	}
	elapsed := time.Since(start)
	sess.Log(session.EventTaskComplete, session.TaskCompleteData(task.ID, string(state), turns, elapsed.Milliseconds()))
	o.notifyProgress(ProgressEvent{
		EventType:  EventTaskComplete,
		SessionID:  sess.ID,
		TaskID:     task.ID,
		TaskName:   task.Name,
		TaskNum:    i + 1,
		TotalTasks: total,
		State:      string(state),
		Turns:      turns,
		Duration:   elapsed,
	})
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	logger.Info("task finished", "turns", turns, "duration", elapsed)

	if task.ResultType == models.ResultText && res.Batch != nil {
		if err := o.results.Record(ctx, sess.ID, task.ID, res.Batch.TextResult); err != nil {
			return fmt.Errorf("recording result of task %s: %w", task.ID, err)
		}
	}
	return nil
}

// deliver streams the download link of repo and publishes its archive.
func (o *Orchestrator) deliver(ctx context.Context, sess *session.Session, repo *repository.Repo, logger *slog.Logger) error {
	link, err := url.JoinPath(o.publicURL, "repos", repo.AllocID, repo.Name)
	if err != nil {
		return fmt.Errorf("building download link: %w", err)
	}
	if err := sess.Emit(ctx, fmt.Sprintf("Download your repository: %s\n\n", link)); err != nil {
		return err
	}
	if o.publisher == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := repo.Archive(&buf); err != nil {
		return fmt.Errorf("archiving repository: %w", err)
	}
	location, err := o.publisher.Publish(ctx, repo.AllocID+"/"+repo.Name+".zip", buf.Bytes())
	if err != nil {
		return fmt.Errorf("publishing repository: %w", err)
	}
	logger.Info("repository published", "location", location)
	return sess.Emit(ctx, fmt.Sprintf("Archive published to %s\n\n", location))
}
