package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRetriever(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "how to list pods", req.Query)
		assert.Equal(t, 2, req.Limit)
		_, _ = w.Write([]byte(`{"results":[{"content":"kubectl get pods","source":"https://k8s.io"},{"content":"use -A for all namespaces"}]}`))
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, WithAPIKey("secret"), WithLimit(2))
	got, err := r.Retrieve(context.Background(), "how to list pods")
	require.NoError(t, err)
	assert.Equal(t, "kubectl get pods\nSource: https://k8s.io\n\nuse -A for all namespaces", got)
}

func TestHTTPRetrieverNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	got, err := NewHTTPRetriever(srv.URL).Retrieve(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, `No knowledge found for "nothing"`, got)
}

func TestHTTPRetrieverErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad-json" {
			_, _ = w.Write([]byte(`{`))
			return
		}
		http.Error(w, "index offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPRetriever(srv.URL).Retrieve(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "index offline")

	_, err = NewHTTPRetriever(srv.URL + "/bad-json").Retrieve(context.Background(), "q")
	require.ErrorContains(t, err, "decoding knowledge response")
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Retrieve(context.Background(), "q")
	require.ErrorIs(t, err, ErrUnavailable)
}

type countingRetriever struct {
	calls atomic.Int32
	err   error
}

func (c *countingRetriever) Retrieve(_ context.Context, q string) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "answer to " + q, nil
}

func TestCachedServesRepeats(t *testing.T) {
	next := &countingRetriever{}
	c := NewCached(next, NewFileCache(t.TempDir()), 0, nil)

	for range 3 {
		got, err := c.Retrieve(context.Background(), "What is Go")
		require.NoError(t, err)
		assert.Equal(t, "answer to What is Go", got)
	}
	got, err := c.Retrieve(context.Background(), "  what is go ")
	require.NoError(t, err)
	assert.Equal(t, "answer to What is Go", got, "normalized queries share an entry")
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	next := &countingRetriever{err: errors.New("down")}
	c := NewCached(next, NewFileCache(t.TempDir()), 0, nil)

	_, err := c.Retrieve(context.Background(), "q")
	require.Error(t, err)
	_, err = c.Retrieve(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestFileCacheExpiry(t *testing.T) {
	dir := t.TempDir()
	fc := NewFileCache(dir)
	require.NoError(t, fc.Put("q", "a"))

	_, ok := fc.Get("q", time.Hour)
	assert.True(t, ok)

	// age the entry
	path := filepath.Join(dir, Key("q")+".json")
	data, err := json.Marshal(entry{Query: "q", Answer: "a", StoredAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok = fc.Get("q", time.Hour)
	assert.False(t, ok)
	_, ok = fc.Get("q", 0)
	assert.True(t, ok)
}

func TestFileCacheDisabled(t *testing.T) {
	fc := NewFileCache("")
	require.NoError(t, fc.Put("q", "a"))
	_, ok := fc.Get("q", 0)
	assert.False(t, ok)
	require.NoError(t, fc.Clear())
}

func TestFileCacheClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	fc := NewFileCache(dir)
	require.NoError(t, fc.Put("q", "a"))
	require.NoError(t, fc.Clear())
	assert.NoDirExists(t, dir)

	require.NoError(t, fc.Put("q", "a"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	require.ErrorContains(t, fc.Clear(), "refusing to delete")
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestFileCacheInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	fc := NewFileCache(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, Key("q")+".json"), []byte("not json"), 0o644))
	_, ok := fc.Get("q", 0)
	assert.False(t, ok)
}
