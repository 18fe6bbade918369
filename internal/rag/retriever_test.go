package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/testutil"
)

// fakeStore answers searches from a fixed table keyed by query
type fakeStore struct {
	name    string
	count   int
	results map[string][]models.ScoredChunk
	err     error
	queries []string
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) Count(context.Context) (int, error) { return s.count, nil }

func (s *fakeStore) Search(_ context.Context, query string, k int) ([]models.ScoredChunk, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	res := s.results[query]
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func scored(page, chunk int, sim float32) models.ScoredChunk {
	return models.ScoredChunk{
		Chunk:      models.Chunk{Source: "doc.pdf", Content: fmt.Sprintf("page %d chunk %d", page, chunk), PageNumber: page, ChunkID: chunk},
		Similarity: sim,
	}
}

func testConfig() *config.Config {
	return config.Default()
}

func requireRetrieverError(t *testing.T, err error) *models.RetrieverError {
	t.Helper()
	var retrErr *models.RetrieverError
	require.True(t, errors.As(err, &retrErr), "expected RetrieverError, got %T: %v", err, err)
	return retrErr
}

func TestParseQueries(t *testing.T) {
	out := "1. What does page two say?\n\n- Which page covers storage?\n* what does page two say?\n\"Where are embeddings kept?\"\n4) Fourth\n5: Fifth\nSixth"

	got := parseQueries(out, "What is on page 2?", 5, false)
	assert.Equal(t, []string{
		"What does page two say?",
		"Which page covers storage?",
		"Where are embeddings kept?",
		"Fourth",
		"Fifth",
	}, got)

	got = parseQueries(out, "What is on page 2?", 2, true)
	assert.Equal(t, []string{"What is on page 2?", "What does page two say?", "Which page covers storage?"}, got)

	assert.Equal(t, []string{"original"}, parseQueries("\n  \n", " original ", 5, false))
	assert.Equal(t, []string{"only this"}, parseQueries("<think>plan</think>\nonly this", "q", 5, false))
}

func TestMergeResults(t *testing.T) {
	perQuery := [][]models.ScoredChunk{
		{scored(1, 1, 0.5), scored(2, 1, 0.9)},
		{scored(2, 1, 0.7), scored(3, 1, 0.5), scored(1, 2, 0.95)},
		{scored(1, 1, 0.8)},
	}

	got := mergeResults(perQuery, 10)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID()
	}
	assert.Equal(t, []string{"doc.pdf:p1:c2", "doc.pdf:p2:c1", "doc.pdf:p1:c1", "doc.pdf:p3:c1"}, ids)
	assert.Equal(t, float32(0.9), got[1].Similarity)
	assert.Equal(t, float32(0.8), got[2].Similarity)

	assert.Len(t, mergeResults(perQuery, 2), 2)
	assert.Empty(t, mergeResults(nil, 3))
}

func TestMergeResultsTiesKeepFirstSeenOrder(t *testing.T) {
	perQuery := [][]models.ScoredChunk{
		{scored(3, 1, 0.5), scored(1, 1, 0.5)},
		{scored(2, 1, 0.5)},
	}
	got := mergeResults(perQuery, 0)
	require.Len(t, got, 3)
	assert.Equal(t, []int{3, 1, 2}, []int{got[0].PageNumber, got[1].PageNumber, got[2].PageNumber})
}

func TestRetrieveIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		name:  "doc.pdf",
		count: 4,
		results: map[string][]models.ScoredChunk{
			"first rephrasing":  {scored(1, 1, 0.6), scored(2, 1, 0.4)},
			"second rephrasing": {scored(2, 1, 0.7), scored(3, 1, 0.3)},
		},
	}
	stub := testutil.Echo("first rephrasing\nsecond rephrasing")

	r, err := CreateRetriever(ctx, store, stub, testConfig())
	require.NoError(t, err)

	first, err := r.Retrieve(ctx, "What is on page 2?")
	require.NoError(t, err)
	second, err := r.Retrieve(ctx, "What is on page 2?")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, 2, first[0].PageNumber)
	assert.Equal(t, float32(0.7), first[0].Similarity)

	prompts := stub.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "generate 5\ndifferent versions")
	assert.Contains(t, prompts[0], "Original question: What is on page 2?")
	assert.Equal(t, 42, stub.LastOptions().Seed)
	assert.Equal(t, 1.0, stub.LastOptions().Temperature)
	assert.Equal(t, []string{"first rephrasing", "second rephrasing", "first rephrasing", "second rephrasing"}, store.queries)
}

func TestRetrieveFallsBackToQuestion(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{name: "doc.pdf", count: 1, results: map[string][]models.ScoredChunk{
		"What is on page 2?": {scored(2, 1, 0.9)},
	}}
	r, err := CreateRetriever(ctx, store, testutil.Echo("   "), testConfig())
	require.NoError(t, err)

	got, err := r.Retrieve(ctx, "What is on page 2?")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"What is on page 2?"}, store.queries)
}

func TestCreateRetrieverFailures(t *testing.T) {
	ctx := context.Background()

	_, err := CreateRetriever(ctx, &fakeStore{name: "empty.pdf"}, testutil.Echo("x"), testConfig())
	requireRetrieverError(t, err)
	assert.ErrorIs(t, err, models.ErrEmptyCollection)

	_, err = CreateRetriever(ctx, nil, testutil.Echo("x"), testConfig())
	requireRetrieverError(t, err)

	_, err = CreateRetriever(ctx, &fakeStore{count: 1}, nil, testConfig())
	requireRetrieverError(t, err)
}

func TestRetrieveFailures(t *testing.T) {
	ctx := context.Background()

	r, err := CreateRetriever(ctx, &fakeStore{name: "doc.pdf", count: 1}, testutil.Failing(), testConfig())
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "question")
	retrErr := requireRetrieverError(t, err)
	assert.Equal(t, "generate queries", retrErr.Op)
	assert.ErrorIs(t, err, testutil.ErrLLMDown)

	searchErr := errors.New("disk gone")
	r, err = CreateRetriever(ctx, &fakeStore{name: "doc.pdf", count: 1, err: searchErr}, testutil.Echo("q"), testConfig())
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "question")
	retrErr = requireRetrieverError(t, err)
	assert.Equal(t, "search", retrErr.Op)
	assert.ErrorIs(t, err, searchErr)
}

func TestRetrieveHonoursTopK(t *testing.T) {
	ctx := context.Background()
	var lines []string
	results := map[string][]models.ScoredChunk{}
	for i := 1; i <= 5; i++ {
		q := fmt.Sprintf("query %d", i)
		lines = append(lines, q)
		results[q] = []models.ScoredChunk{scored(i, 1, float32(i)/10), scored(i, 2, float32(i)/20)}
	}
	cfg := testConfig()
	cfg.RAG.TopK = 3
	store := &fakeStore{name: "doc.pdf", count: 10, results: results}

	r, err := CreateRetriever(ctx, store, testutil.Echo(strings.Join(lines, "\n")), cfg)
	require.NoError(t, err)
	got, err := r.Retrieve(ctx, "anything")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{5, 4, 3}, []int{got[0].PageNumber, got[1].PageNumber, got[2].PageNumber})
}
