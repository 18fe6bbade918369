package ollamaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves canned replies and records the decoded request bodies
type fakeOllama struct {
	mu     sync.Mutex
	bodies map[string]map[string]any
	models []string
}

func newFakeOllama(t *testing.T, models ...string) (*fakeOllama, *Client) {
	f := &fakeOllama{bodies: map[string]map[string]any{}, models: models}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, NewClientWithHTTP(srv.URL+"/", srv.Client())
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) map[string]any {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.bodies[r.URL.Path] = body
		f.mu.Unlock()
		return body
	}
	ndjson := func(w http.ResponseWriter, lines ...string) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		var entries []map[string]any
		for _, m := range f.models {
			entries = append(entries, map[string]any{"name": m, "model": m, "size": 1024})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": entries})
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		body := record(r)
		if body["model"] != "llama3.2:1b" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model 'missing' not found"}`)
			return
		}
		fmt.Fprint(w, `{"parameters":"temperature 0.1","details":{"family":"llama","parameter_size":"1.2B"}}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		ndjson(w,
			`{"model":"llama3.2:1b","response":"The sea ","done":false}`,
			`{"model":"llama3.2:1b","response":"is calm.","done":false}`,
			`{"model":"llama3.2:1b","response":"","done":true,"done_reason":"stop"}`,
		)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		ndjson(w,
			`{"message":{"role":"assistant","content":"Stars "},"done":false}`,
			`{"message":{"role":"assistant","content":"shine."},"done":false}`,
		)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		body := record(r)
		if body["model"] == "broken" {
			ndjson(w, `{"status":"pulling manifest"}`, `{"error":"pull model manifest: file does not exist"}`)
			return
		}
		ndjson(w, `{"status":"pulling manifest"}`, `{"status":"downloading","total":10,"completed":10}`, `{"status":"success"}`)
	})
	mux.HandleFunc("/api/create", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		ndjson(w, `{"status":"using existing layer"}`, `{"status":"success"}`)
	})
	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		record(r)
	})
	return mux
}

func (f *fakeOllama) body(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func TestListModelsAndHealthy(t *testing.T) {
	_, c := newFakeOllama(t, "llama3.2:1b", "nomic-embed-text:latest")
	ctx := context.Background()

	require.NoError(t, c.Healthy(ctx))
	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:1b", models[0].Name)
	assert.Equal(t, int64(1024), models[0].Size)
}

func TestHealthyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, 0)
	assert.Error(t, c.Healthy(context.Background()))
}

func TestShow(t *testing.T) {
	f, c := newFakeOllama(t)
	ctx := context.Background()

	info, err := c.Show(ctx, "llama3.2:1b")
	require.NoError(t, err)
	assert.Equal(t, "llama", info.Details.Family)
	assert.Equal(t, "temperature 0.1", info.Parameters)
	assert.Equal(t, "llama3.2:1b", f.body("/api/show")["model"])

	_, err = c.Show(ctx, "missing")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "model 'missing' not found", statusErr.Message)
}

func TestGenerateStreams(t *testing.T) {
	f, c := newFakeOllama(t)

	var fragments []string
	out, err := c.Generate(context.Background(), GenerateRequest{
		Model:   "llama3.2:1b",
		Prompt:  "Hello, tell me a short poem about the sea.",
		Think:   true,
		Options: map[string]any{"temperature": 1.0},
	}, func(r GenerateResponse) {
		fragments = append(fragments, r.Response)
	})
	require.NoError(t, err)
	assert.Equal(t, "The sea is calm.", out)
	assert.Equal(t, []string{"The sea ", "is calm.", ""}, fragments)

	body := f.body("/api/generate")
	assert.Equal(t, true, body["think"])
	assert.Equal(t, map[string]any{"temperature": 1.0}, body["options"])
}

func TestChatIncompleteStream(t *testing.T) {
	f, c := newFakeOllama(t)

	out, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: "user", Content: "Hello, tell me a short poem about the universe."}},
	}, nil)
	assert.ErrorContains(t, err, "ended before completion")
	assert.Equal(t, "Stars shine.", out)

	msgs := f.body("/api/chat")["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestPull(t *testing.T) {
	_, c := newFakeOllama(t)
	ctx := context.Background()

	var statuses []string
	require.NoError(t, c.Pull(ctx, "nomic-embed-text", func(p ProgressResponse) {
		statuses = append(statuses, p.Status)
	}))
	assert.Equal(t, []string{"pulling manifest", "downloading", "success"}, statuses)

	err := c.Pull(ctx, "broken", nil)
	assert.ErrorContains(t, err, "file does not exist")
}

func TestEnsureModel(t *testing.T) {
	f, c := newFakeOllama(t, "nomic-embed-text:latest")
	ctx := context.Background()

	require.NoError(t, c.EnsureModel(ctx, "nomic-embed-text"))
	assert.Nil(t, f.body("/api/pull"))

	require.NoError(t, c.EnsureModel(ctx, "llama3.2:1b"))
	assert.Equal(t, "llama3.2:1b", f.body("/api/pull")["model"])
}

func TestCreateAndDelete(t *testing.T) {
	f, c := newFakeOllama(t)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, CreateRequest{
		Model:      "astronomy_expert",
		From:       "llama3.2:1b",
		System:     "You are an astronomer.",
		Parameters: map[string]any{"temperature": 0.1},
	}, nil))
	body := f.body("/api/create")
	assert.Equal(t, "astronomy_expert", body["model"])
	assert.Equal(t, "llama3.2:1b", body["from"])
	assert.Equal(t, map[string]any{"temperature": 0.1}, body["parameters"])

	require.NoError(t, c.Delete(ctx, "astronomy_expert"))
	assert.Equal(t, "astronomy_expert", f.body("/api/delete")["model"])
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "mistral:latest", normalizeName("mistral"))
	assert.Equal(t, "llama3.2:1b", normalizeName("llama3.2:1b"))
}
