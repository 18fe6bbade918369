package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mascarenhasneil/HandsOnOllama/internal/chromemdb"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/testutil"
)

type stubRetriever struct {
	chunks []models.ScoredChunk
	err    error
	calls  int
}

func (s *stubRetriever) Retrieve(context.Context, string) ([]models.ScoredChunk, error) {
	s.calls++
	return s.chunks, s.err
}

// answering routes query expansion and answer prompts to different replies
func answering(answer string) *testutil.StubLLM {
	return &testutil.StubLLM{Respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Original question:") {
			return "What does page two say?\nWhich page covers the vector store?", nil
		}
		return answer, nil
	}}
}

func requireChainError(t *testing.T, err error) *models.ChainError {
	t.Helper()
	var chainErr *models.ChainError
	require.True(t, errors.As(err, &chainErr), "expected ChainError, got %T: %v", err, err)
	return chainErr
}

func TestChainAnswersFromStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage.VectorDir = t.TempDir()
	cfg.LLM.Temperature = 0.3
	cfg.LLM.Seed = 7

	m, err := chromemdb.NewVectorDBManager(cfg.Storage, true, &testutil.FakeEmbedder{})
	require.NoError(t, err)
	store, err := m.CreateOrLoad(ctx, "sample.pdf", []models.Chunk{
		{Source: "sample.pdf", Content: "Page one introduces the assistant.", PageNumber: 1, ChunkID: 1},
		{Source: "sample.pdf", Content: "Page two covers the vector store.", PageNumber: 2, ChunkID: 1},
		{Source: "sample.pdf", Content: "Page three describes the chain.", PageNumber: 3, ChunkID: 1},
	})
	require.NoError(t, err)

	llm := answering("<think>looking</think>Page two is about the vector store.")
	retriever, err := CreateRetriever(ctx, store, llm, cfg)
	require.NoError(t, err)
	chain, err := CreateChain(retriever, llm, cfg, "")
	require.NoError(t, err)

	resp, err := chain.Query(ctx, "  What is on page 2?  ")
	require.NoError(t, err)

	assert.Equal(t, "What is on page 2?", resp.Query)
	assert.Equal(t, "Page two is about the vector store.", resp.Content)
	assert.Contains(t, resp.Context, "[sample.pdf p.2]\nPage two covers the vector store.")
	assert.Contains(t, resp.Source, "sample.pdf p.2")
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, 2, resp.Sources[0].PageNumber)

	prompts := llm.Prompts()
	require.Len(t, prompts, 2)
	answerPrompt := prompts[1]
	assert.True(t, strings.HasPrefix(answerPrompt, "Answer the question based ONLY on the following context:\n"))
	assert.Contains(t, answerPrompt, "Page two covers the vector store.")
	assert.Contains(t, answerPrompt, "Question: What is on page 2?")

	// the answer call uses the configured sampling settings
	assert.Equal(t, 0.3, llm.LastOptions().Temperature)
	assert.Equal(t, 7, llm.LastOptions().Seed)
}

func TestChainQueryFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("empty question", func(t *testing.T) {
		retriever := &stubRetriever{}
		chain, err := CreateChain(retriever, testutil.Echo("x"), cfg, "")
		require.NoError(t, err)

		_, err = chain.Query(ctx, "   ")
		requireChainError(t, err)
		assert.ErrorIs(t, err, models.ErrEmptyQuestion)
		assert.Equal(t, 0, retriever.calls)
	})

	t.Run("retriever failure keeps its type", func(t *testing.T) {
		retriever := &stubRetriever{err: &models.RetrieverError{Op: "search", Err: models.ErrEmptyCollection}}
		llm := testutil.Echo("x")
		chain, err := CreateChain(retriever, llm, cfg, "")
		require.NoError(t, err)

		_, err = chain.Query(ctx, "question")
		chainErr := requireChainError(t, err)
		assert.Equal(t, "question", chainErr.Question)
		requireRetrieverError(t, err)
		assert.ErrorIs(t, err, models.ErrEmptyCollection)
		assert.Empty(t, llm.Prompts())
	})

	t.Run("model failure", func(t *testing.T) {
		retriever := &stubRetriever{chunks: []models.ScoredChunk{scored(1, 1, 0.5)}}
		chain, err := CreateChain(retriever, testutil.Failing(), cfg, "")
		require.NoError(t, err)

		_, err = chain.Query(ctx, "question")
		requireChainError(t, err)
		assert.ErrorIs(t, err, testutil.ErrLLMDown)
	})
}

func TestCreateChainTemplates(t *testing.T) {
	cfg := testConfig()
	retriever := &stubRetriever{chunks: []models.ScoredChunk{scored(2, 1, 0.5)}}

	_, err := CreateChain(retriever, testutil.Echo("x"), cfg, "Question: {{.question}}")
	requireChainError(t, err)

	_, err = CreateChain(retriever, testutil.Echo("x"), cfg, "{{.context")
	requireChainError(t, err)

	_, err = CreateChain(nil, testutil.Echo("x"), cfg, "")
	requireChainError(t, err)

	llm := testutil.Echo("custom answer")
	chain, err := CreateChain(retriever, llm, cfg, "Context:\n{{.context}}\n\nQ: {{.question}}")
	require.NoError(t, err)
	resp, err := chain.Query(context.Background(), "what?")
	require.NoError(t, err)
	assert.Equal(t, "custom answer", resp.Content)
	assert.Equal(t, "Context:\n[doc.pdf p.2]\npage 2 chunk 1\n\nQ: what?", llm.Prompts()[0])
}

func TestFormatContext(t *testing.T) {
	got := FormatContext([]models.ScoredChunk{scored(1, 1, 0.9), scored(3, 2, 0.1)})
	assert.Equal(t, "[doc.pdf p.1]\npage 1 chunk 1\n\n[doc.pdf p.3]\npage 3 chunk 2", got)
	assert.Equal(t, "", FormatContext(nil))
	assert.Equal(t, "doc.pdf p.1, doc.pdf p.3", formatSources([]models.ScoredChunk{scored(1, 1, 0.9), scored(1, 2, 0.5), scored(3, 2, 0.1)}))
}
