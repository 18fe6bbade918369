package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/llmservice"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

var listMarkerRe = regexp.MustCompile(`^(?:\d+[.):]|[-*•])\s*`)

// Retriever returns the chunks relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]models.ScoredChunk, error)
}

// MultiQueryRetriever asks the model for alternative phrasings of the
// question, searches the store once per phrasing and merges the hits.
type MultiQueryRetriever struct {
	store    models.VectorStore
	chain    *chains.LLMChain
	ragCfg   config.RAGConfig
	callOpts []chains.ChainCallOption
}

var _ Retriever = (*MultiQueryRetriever)(nil)

// CreateRetriever builds a multi-query retriever over store. The store must
// hold at least one chunk.
func CreateRetriever(ctx context.Context, store models.VectorStore, llm llms.Model, cfg *config.Config) (*MultiQueryRetriever, error) {
	if store == nil {
		return nil, &models.RetrieverError{Op: "create", Err: fmt.Errorf("vector store is required")}
	}
	if llm == nil {
		return nil, &models.RetrieverError{Op: "create", Err: fmt.Errorf("language model is required")}
	}
	count, err := store.Count(ctx)
	if err != nil {
		return nil, &models.RetrieverError{Op: "create", Err: err}
	}
	if count == 0 {
		return nil, &models.RetrieverError{Op: "create", Err: fmt.Errorf("%w: %s", models.ErrEmptyCollection, store.Name())}
	}

	prompt := prompts.NewPromptTemplate(models.MultiQueryPromptTemplate, []string{"question", "num_queries"})
	return &MultiQueryRetriever{
		store:    store,
		chain:    chains.NewLLMChain(llm, prompt),
		ragCfg:   cfg.RAG,
		callOpts: llmservice.ChainOptions(cfg.LLM),
	}, nil
}

// GenerateQueries returns the sub-queries searched for question
func (r *MultiQueryRetriever) GenerateQueries(ctx context.Context, question string) ([]string, error) {
	out, err := chains.Predict(ctx, r.chain, map[string]any{
		"question":    question,
		"num_queries": r.ragCfg.NumQueries,
	}, r.callOpts...)
	if err != nil {
		return nil, &models.RetrieverError{Op: "generate queries", Err: err}
	}
	return parseQueries(out, question, r.ragCfg.NumQueries, r.ragCfg.IncludeOriginal), nil
}

func (r *MultiQueryRetriever) Retrieve(ctx context.Context, question string) ([]models.ScoredChunk, error) {
	queries, err := r.GenerateQueries(ctx, question)
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("queries", queries).Msg("Generated sub-queries")

	perQuery := make([][]models.ScoredChunk, 0, len(queries))
	for _, q := range queries {
		results, err := r.store.Search(ctx, q, r.ragCfg.PerQueryK)
		if err != nil {
			return nil, &models.RetrieverError{Op: "search", Err: err}
		}
		perQuery = append(perQuery, results)
	}

	merged := mergeResults(perQuery, r.ragCfg.TopK)
	log.Debug().Int("queries", len(queries)).Int("chunks", len(merged)).Msg("Retrieved chunks")
	return merged, nil
}

// parseQueries turns the model output into at most n distinct queries. The
// original question is used when nothing usable was generated.
func parseQueries(output, question string, n int, includeOriginal bool) []string {
	seen := make(map[string]bool)
	var queries []string
	add := func(q string) {
		key := strings.ToLower(q)
		if seen[key] {
			return
		}
		seen[key] = true
		queries = append(queries, q)
	}

	question = strings.TrimSpace(question)
	if includeOriginal {
		add(question)
	}

	generated := 0
	for _, line := range strings.Split(llmservice.StripThinking(output), "\n") {
		if generated >= n {
			break
		}
		line = strings.TrimSpace(listMarkerRe.ReplaceAllString(strings.TrimSpace(line), ""))
		line = strings.Trim(line, `"`)
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		add(line)
		generated++
	}

	if len(queries) == 0 {
		return []string{question}
	}
	return queries
}

// mergeResults dedups by chunk ID keeping the best similarity, then orders by
// similarity. Ties keep first-seen order.
func mergeResults(perQuery [][]models.ScoredChunk, topK int) []models.ScoredChunk {
	index := make(map[string]int)
	var merged []models.ScoredChunk
	for _, results := range perQuery {
		for _, sc := range results {
			id := sc.ID()
			if i, ok := index[id]; ok {
				if sc.Similarity > merged[i].Similarity {
					merged[i].Similarity = sc.Similarity
				}
				continue
			}
			index[id] = len(merged)
			merged = append(merged, sc)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}
