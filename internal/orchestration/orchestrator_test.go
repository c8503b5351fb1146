package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spboyer/agentsphere/internal/llm"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/repository"
	"github.com/spboyer/agentsphere/internal/session"
	"github.com/spboyer/agentsphere/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routedProvider answers each request from the queue of its schema name.
type routedProvider struct {
	mu       sync.Mutex
	replies  map[string][]string
	requests []*llm.Request
}

func (p *routedProvider) Complete(_ context.Context, req *llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	name := req.Schema.Name
	queue := p.replies[name]
	if len(queue) == 0 {
		return "", fmt.Errorf("%w: no reply for %s", llm.ErrMalformedResponse, name)
	}
	p.replies[name] = queue[1:]
	return queue[0], nil
}

func (p *routedProvider) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if r.Schema.Name == name {
			n++
		}
	}
	return n
}

func toJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func batchJSON(done bool, text string, update map[string]string) string {
	if update == nil {
		update = map[string]string{}
	}
	return toJSON(models.ToolInvocationBatch{
		Done:       done,
		Message:    "working",
		TextResult: text,
		RepoUpdate: update,
		Knowledge:  []string{},
		Commands:   []string{},
	})
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, string, string) (models.CommandResult, error) {
	return models.CommandResult{StatusCode: 0, Content: "ok"}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) Log(e session.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) Close() error { return nil }

func (l *eventLog) types() []session.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type fakePublisher struct {
	names []string
	sizes []int
}

func (p *fakePublisher) Publish(_ context.Context, name string, data []byte) (string, error) {
	p.names = append(p.names, name)
	p.sizes = append(p.sizes, len(data))
	return "mem://" + name, nil
}

func newSession(t *testing.T) (*session.Session, *session.Queue, *eventLog) {
	t.Helper()
	events := &eventLog{}
	sess := session.New("s1", models.User{ID: "u1"}, nil, events)
	q := session.NewQueue(8192, 0)
	require.NoError(t, sess.Begin(q))
	return sess, q, events
}

// drain reads the stream to its end marker.
func drain(t *testing.T, q *session.Queue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var b strings.Builder
	for {
		tok, ok, err := q.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return b.String()
		}
		b.WriteString(tok)
	}
}

func TestProcess_EasyRequest(t *testing.T) {
	provider := &routedProvider{replies: map[string][]string{
		"Category":            {toJSON(models.Category{Level: models.DifficultyEasy, Certainty: 9})},
		"ToolInvocationBatch": {batchJSON(true, "42", nil)},
	}}
	o := New(llm.NewClient(provider, llm.WithRetryBackoff(0)), nopDispatcher{}, repository.NewManager(t.TempDir()), store.NewMemory())
	sess, q, events := newSession(t)

	require.NoError(t, o.Process(context.Background(), sess, "what is the answer"))

	out := drain(t, q)
	assert.True(t, strings.HasPrefix(out, "Let me check how complex your request is..."))
	assert.Contains(t, out, "Category: easy")
	assert.Contains(t, out, "42")
	assert.Equal(t, models.DifficultyEasy, sess.Difficulty())
	assert.Zero(t, provider.count("Check"), "simple requests are not verified")
	assert.Zero(t, provider.count("Persona"))

	types := events.types()
	assert.Equal(t, session.EventSessionStart, types[0])
	assert.Equal(t, session.EventCategorized, types[1])
	assert.Equal(t, session.EventSessionComplete, types[len(types)-1])
}

func TestProcess_PlannedRequest(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	graph := models.TaskGraph{
		RepoName: "Calc",
		Tasks: []models.Task{
			{ID: "t1", Name: "Research", Description: "find grammar", ResultType: models.ResultText, DependsOn: []string{}},
			{ID: "t2", Name: "Implement", Description: "write parser", ResultType: models.ResultRepository, DependsOn: []string{"t1"}},
		},
	}
	provider := &routedProvider{replies: map[string][]string{
		"Category":  {toJSON(models.Category{Level: models.DifficultyMedium, Certainty: 7})},
		"Persona":   {toJSON(models.Persona{Role: "compiler engineer", Background: "parsers", Skills: "go"})},
		"TaskGraph": {toJSON(graph), toJSON(graph)},
		"ToolInvocationBatch": {
			batchJSON(true, "grammar notes", nil),
			batchJSON(false, "", map[string]string{"main.go": "package main\n"}),
			batchJSON(true, "parser written", nil),
		},
		"Check": {
			toJSON(models.Check{Correct: true}),
			toJSON(models.Check{Correct: true, CommitMessage: "Add parser"}),
		},
	}}
	results := store.NewMemory()
	repos := repository.NewManager(t.TempDir())
	publisher := &fakePublisher{}

	var progress []ProgressEvent
	o := New(llm.NewClient(provider, llm.WithRetryBackoff(0)), nopDispatcher{}, repos, results,
		WithPublicURL("https://sphere.example/"),
		WithPublisher(publisher),
		WithListener(func(e ProgressEvent) { progress = append(progress, e) }),
	)
	sess, q, events := newSession(t)

	require.NoError(t, o.Process(context.Background(), sess, "write a calculator"))
	out := drain(t, q)

	assert.Equal(t, models.DifficultyMedium, sess.Difficulty())
	require.NotNil(t, sess.Graph())
	assert.Len(t, sess.Graph().Tasks, 2)
	assert.Equal(t, "write a calculator", sess.Description())
	assert.Contains(t, out, "Starting agent with role compiler engineer")
	assert.Contains(t, out, "1. Research (text)")
	assert.Contains(t, out, "**Task 2/2: Implement**")

	text, ok, err := results.Lookup(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "grammar notes", text)
	_, ok, err = results.Lookup(context.Background(), "s1", "t2")
	require.NoError(t, err)
	assert.False(t, ok, "repository results are not stored")

	ref := sess.Repository()
	require.NotNil(t, ref)
	assert.Equal(t, "calc", ref.Name)
	assert.Contains(t, out, "https://sphere.example/repos/"+ref.AllocID+"/calc")

	repo, err := repos.Get(context.Background(), ref.AllocID, ref.Name)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(repo.Dir(), "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
	subject, err := exec.Command("git", "-C", repo.Dir(), "log", "-1", "--format=%s").Output()
	require.NoError(t, err)
	assert.Equal(t, "Add parser", strings.TrimSpace(string(subject)))

	require.Equal(t, []string{ref.AllocID + "/calc.zip"}, publisher.names)
	assert.Positive(t, publisher.sizes[0])
	assert.Contains(t, out, "mem://"+ref.AllocID+"/calc.zip")

	// the second task sees the first task's result
	var second []models.Message
	seen := 0
	for _, r := range provider.requests {
		if r.Schema.Name == "ToolInvocationBatch" {
			seen++
			if seen == 2 {
				second = r.Messages
			}
		}
	}
	require.NotEmpty(t, second)
	assert.Equal(t, "Task Dependency: t1 was solved with result: grammar notes", second[0].Content)

	require.Len(t, progress, 4)
	assert.Equal(t, EventTaskStart, progress[0].EventType)
	assert.Equal(t, "t1", progress[0].TaskID)
	assert.Equal(t, 2, progress[0].TotalTasks)
	assert.Equal(t, EventTaskComplete, progress[3].EventType)
	assert.Equal(t, "t2", progress[3].TaskID)
	assert.Equal(t, "done", progress[3].State)
	assert.Equal(t, 2, progress[3].Turns)

	assert.Contains(t, events.types(), session.EventGraphBuilt)
	assert.Contains(t, events.types(), session.EventToolCall)
}

func TestProcess_FailureStreamsErrorAndFinishes(t *testing.T) {
	provider := &routedProvider{replies: map[string][]string{}}
	o := New(llm.NewClient(provider, llm.WithRetryBackoff(0)), nopDispatcher{}, repository.NewManager(t.TempDir()), store.NewMemory())
	sess, q, events := newSession(t)

	err := o.Process(context.Background(), sess, "anything")
	require.ErrorIs(t, err, llm.ErrMalformedResponse)

	out := drain(t, q)
	assert.Contains(t, out, "❌ categorizing request")
	assert.Contains(t, events.types(), session.EventError)

	// the stream is already finished; a second finish adds nothing
	require.NoError(t, sess.Finish(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcess_TextOnlyPlanHasNoRepository(t *testing.T) {
	graph := toJSON(models.TaskGraph{
		RepoName: "notes",
		Tasks:    []models.Task{{ID: "t1", Name: "Summarize", ResultType: models.ResultText, DependsOn: []string{}}},
	})
	provider := &routedProvider{replies: map[string][]string{
		"Category":            {toJSON(models.Category{Level: models.DifficultyComplex, Certainty: 5})},
		"Persona":             {toJSON(models.Persona{Role: "writer", Background: "journalism", Skills: "writing"})},
		"TaskGraph":           {graph, graph},
		"ToolInvocationBatch": {batchJSON(true, "summary", nil)},
		"Check":               {toJSON(models.Check{Correct: true})},
	}}
	o := New(llm.NewClient(provider, llm.WithRetryBackoff(0)), nopDispatcher{}, repository.NewManager(t.TempDir()), store.NewMemory())
	sess, q, _ := newSession(t)

	require.NoError(t, o.Process(context.Background(), sess, "summarize the news"))
	out := drain(t, q)

	assert.Nil(t, sess.Repository())
	assert.NotContains(t, out, "Download your repository")
}
