// Package agent drives the multi-turn tool-calling loop that solves one
// task or one simple request.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spboyer/agentsphere/internal/llm"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/utils"
)

// DefaultMaxTurns bounds a loop that never finishes. Zero disables the
// bound.
const DefaultMaxTurns = 40

// previewWidth is the display width of narrated tool arguments.
const previewWidth = 160

// ErrMaxTurnsExceeded is returned when a loop runs out of turns.
var ErrMaxTurnsExceeded = errors.New("agent exceeded the maximum number of turns")

// ErrNoRetriever is the tool failure reported when no knowledge service is
// configured.
var ErrNoRetriever = errors.New("knowledge retrieval is not configured")

// State is the phase of a loop.
type State string

const (
	StateRunning   State = "running"
	StateVerifying State = "verifying"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ToolObserver is told about every executed tool call.
type ToolObserver func(call ToolCall, ok bool)

// Loop executes the tool-calling state machine. A Loop holds no per-run
// state and may be shared.
type Loop struct {
	client     *llm.Client
	dispatcher Dispatcher
	retriever  Retriever
	maxTurns   int
	logger     *slog.Logger
	observer   ToolObserver
}

// Option configures a Loop.
type Option func(*Loop)

// WithRetriever sets the knowledge retriever.
func WithRetriever(r Retriever) Option {
	return func(l *Loop) { l.retriever = r }
}

// WithMaxTurns sets the turn bound.
func WithMaxTurns(n int) Option {
	return func(l *Loop) { l.maxTurns = n }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithToolObserver registers an observer for executed tool calls.
func WithToolObserver(fn ToolObserver) Option {
	return func(l *Loop) { l.observer = fn }
}

// New creates a loop that runs commands through dispatcher.
func New(client *llm.Client, dispatcher Dispatcher, opts ...Option) *Loop {
	l := &Loop{
		client:     client,
		dispatcher: dispatcher,
		maxTurns:   DefaultMaxTurns,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run describes one execution of the loop.
type Run struct {
	// UserID selects the executor commands are dispatched to.
	UserID string
	// Messages are templates re-rendered with Placeholders on every turn.
	Messages     []models.Message
	Placeholders map[string]Placeholder
	// Request is the text the result is verified against.
	Request string
	// Task enables verification. Nil runs a simple request.
	Task *models.Task
	// Repository is the bound working tree, if any.
	Repository Repository
	// Output receives narration. Nil discards it.
	Output Output
}

// Result is the outcome of a run.
type Result struct {
	State State
	Turns int
	Batch *models.ToolInvocationBatch
}

// Execute runs turns until the model finishes and, for a task, the result
// passes verification.
func (l *Loop) Execute(ctx context.Context, run Run) (*Result, error) {
	t := &turnState{loop: l, run: run, logger: l.logger}
	if run.Task != nil {
		t.logger = t.logger.With("task", run.Task.ID)
	}
	res := &Result{State: StateRunning}

	for {
		if err := ctx.Err(); err != nil {
			res.State = StateFailed
			return res, err
		}
		if l.maxTurns > 0 && res.Turns >= l.maxTurns {
			res.State = StateFailed
			return res, fmt.Errorf("%w: %d", ErrMaxTurnsExceeded, l.maxTurns)
		}
		res.Turns++

		batch, err := t.turn(ctx, res.Turns)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		res.Batch = batch
		if !batch.Done {
			continue
		}

		if err := t.emit(ctx, batch.Message); err != nil {
			res.State = StateFailed
			return res, err
		}
		if err := t.emit(ctx, batch.TextResult); err != nil {
			res.State = StateFailed
			return res, err
		}
		if run.Task == nil {
			res.State = StateDone
			return res, nil
		}

		res.State = StateVerifying
		correct, err := t.verify(ctx, batch)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		if correct {
			res.State = StateDone
			return res, nil
		}
		res.State = StateRunning
	}
}

// turnState is the mutable state of one Execute call.
type turnState struct {
	loop   *Loop
	run    Run
	logger *slog.Logger

	history  []models.Message
	lastHash string
	hasHash  bool
}

func (t *turnState) turn(ctx context.Context, n int) (*models.ToolInvocationBatch, error) {
	msgs := append(Render(ctx, t.run.Messages, t.run.Placeholders), t.history...)
	batch, err := llm.Call[models.ToolInvocationBatch](ctx, t.loop.client, msgs)
	if err != nil {
		return nil, fmt.Errorf("turn %d: %w", n, err)
	}
	utils.BatchToSlog(t.logger, n, batch)

	hash := CommandHash(batch.Commands)
	repeated := t.hasHash && hash == t.lastHash
	t.lastHash, t.hasHash = hash, true

	for _, call := range ToolCalls(batch) {
		switch c := call.(type) {
		case Command:
			if repeated {
				continue
			}
			batch.Done = false
			if err := t.command(ctx, c); err != nil {
				return nil, err
			}
		case KnowledgeQuery:
			if err := t.knowledge(ctx, c); err != nil {
				return nil, err
			}
		case RepositoryUpdate:
			if err := t.update(ctx, c); err != nil {
				return nil, err
			}
		}
	}
	if repeated && len(batch.Commands) > 0 {
		t.logger.Info("skipping repeated command batch", "turn", n, "commands", len(batch.Commands))
	}

	t.history = append(t.history, models.UserMessage(steering))
	return batch, nil
}

func (t *turnState) command(ctx context.Context, c Command) error {
	if err := t.emit(ctx, fmt.Sprintf("🔧 `command`: %s", utils.Preview(c.Line, previewWidth))); err != nil {
		return err
	}
	res, err := t.loop.dispatcher.Dispatch(ctx, t.run.UserID, c.Line)
	if err != nil {
		return fmt.Errorf("dispatching command: %w", err)
	}
	if res.Succeeded() {
		t.add(models.AssistantMessage(fmt.Sprintf(commandSucceeded, c.Line, res.StatusCode, res.Content)))
	} else {
		t.logger.Info("command failed", "command", c.Line, "status", res.StatusCode)
		t.add(models.AssistantMessage(fmt.Sprintf(commandFailed, c.Line, res.StatusCode, res.Content)))
	}
	t.observe(c, res.Succeeded())
	return nil
}

func (t *turnState) knowledge(ctx context.Context, q KnowledgeQuery) error {
	if err := t.emit(ctx, fmt.Sprintf("🔧 `knowledge`: %s", utils.Preview(q.Query, previewWidth))); err != nil {
		return err
	}
	var (
		text string
		err  error
	)
	if t.loop.retriever == nil {
		err = ErrNoRetriever
	} else {
		text, err = t.loop.retriever.Retrieve(ctx, q.Query)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("knowledge query failed", "query", q.Query, "error", err)
		t.add(models.AssistantMessage(fmt.Sprintf(knowledgeFailed, q.Query, err)))
		t.observe(q, false)
		return nil
	}
	t.add(models.AssistantMessage(text))
	t.observe(q, true)
	return nil
}

func (t *turnState) update(ctx context.Context, u RepositoryUpdate) error {
	if t.run.Repository == nil {
		t.logger.Warn("ignoring repository update without a bound repository", "files", u.Paths())
		return nil
	}
	if err := t.emit(ctx, "🔧 `updating files`: "+strings.Join(u.Paths(), ", ")); err != nil {
		return err
	}
	if err := t.run.Repository.UpdateFiles(ctx, u.Files); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("repository update failed", "error", err)
		t.add(models.AssistantMessage(fmt.Sprintf(updateFailed, err)))
		t.observe(u, false)
		return nil
	}
	t.observe(u, true)
	return nil
}

// verify asks the model whether batch solves the task. A correct result is
// committed to the bound repository.
func (t *turnState) verify(ctx context.Context, batch *models.ToolInvocationBatch) (bool, error) {
	task := t.run.Task
	evidence := textEvidence(batch)
	if task.ResultType == models.ResultRepository && t.run.Repository != nil {
		diff, err := t.run.Repository.Diff(ctx)
		if err != nil {
			return false, fmt.Errorf("reading repository diff: %w", err)
		}
		files, err := t.run.Repository.LoadFiles(ctx)
		if err != nil {
			return false, fmt.Errorf("listing repository files: %w", err)
		}
		evidence = repositoryEvidence(diff, files)
	}

	check, err := llm.Call[models.Check](ctx, t.loop.client, []models.Message{
		models.UserMessage(verificationPrompt(task.ResultType, evidence, t.run.Request)),
	})
	if err != nil {
		return false, fmt.Errorf("verifying task %s: %w", task.ID, err)
	}
	t.logger.Info("verification finished", "correct", check.Correct)

	if !check.Correct {
		t.add(models.UserMessage(fmt.Sprintf(verificationMiss, check.Feedback)))
		return false, nil
	}
	if t.run.Repository != nil {
		msg := check.CommitMessage
		if msg == "" {
			msg = fmt.Sprintf("Solve %s %s", task.ID, task.Name)
		}
		if err := t.run.Repository.Commit(ctx, msg); err != nil {
			return false, fmt.Errorf("committing task %s: %w", task.ID, err)
		}
	}
	return true, nil
}

func (t *turnState) add(m models.Message) {
	t.history = append(t.history, m)
}

func (t *turnState) emit(ctx context.Context, text string) error {
	if t.run.Output == nil || text == "" {
		return nil
	}
	return t.run.Output.Emit(ctx, text+"\n\n")
}

func (t *turnState) observe(call ToolCall, ok bool) {
	if t.loop.observer != nil {
		t.loop.observer(call, ok)
	}
}
