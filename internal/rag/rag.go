package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/llmservice"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

// RAG answers questions from the chunks a retriever returns
type RAG struct {
	retriever Retriever
	chain     *chains.LLMChain
	callOpts  []chains.ChainCallOption
}

// CreateChain composes retriever, prompt template and model. The template
// must reference both {{.context}} and {{.question}}; an empty template
// selects the default one.
func CreateChain(retriever Retriever, llm llms.Model, cfg *config.Config, template string) (*RAG, error) {
	if retriever == nil {
		return nil, &models.ChainError{Err: fmt.Errorf("retriever is required")}
	}
	if llm == nil {
		return nil, &models.ChainError{Err: fmt.Errorf("language model is required")}
	}
	if template == "" {
		template = models.RAGPromptTemplate
	}

	prompt := prompts.NewPromptTemplate(template, []string{"context", "question"})
	if err := checkTemplate(prompt); err != nil {
		return nil, &models.ChainError{Err: err}
	}

	return &RAG{
		retriever: retriever,
		chain:     chains.NewLLMChain(llm, prompt),
		callOpts:  llmservice.ChainOptions(cfg.LLM),
	}, nil
}

func checkTemplate(prompt prompts.PromptTemplate) error {
	const ctxMark, qMark = "\x00context\x00", "\x00question\x00"
	out, err := prompt.Format(map[string]any{"context": ctxMark, "question": qMark})
	if err != nil {
		return fmt.Errorf("invalid prompt template: %w", err)
	}
	if !strings.Contains(out, ctxMark) || !strings.Contains(out, qMark) {
		return fmt.Errorf("prompt template must use both {{.context}} and {{.question}}")
	}
	return nil
}

// Query retrieves context for question and asks the model. Any failure is
// returned as *models.ChainError and no partial answer is produced.
func (r *RAG) Query(ctx context.Context, question string) (*models.PromptResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &models.ChainError{Err: models.ErrEmptyQuestion}
	}

	chunks, err := r.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, &models.ChainError{Question: question, Err: err}
	}

	contextText := FormatContext(chunks)
	out, err := chains.Predict(ctx, r.chain, map[string]any{
		"context":  contextText,
		"question": question,
	}, r.callOpts...)
	if err != nil {
		return nil, &models.ChainError{Question: question, Err: fmt.Errorf("failed to generate answer: %w", err)}
	}

	log.Debug().Str("question", question).Int("chunks", len(chunks)).Msg("Answered question")
	return &models.PromptResponse{
		Query:   question,
		Content: llmservice.StripThinking(out),
		Context: contextText,
		Source:  formatSources(chunks),
		Sources: chunks,
	}, nil
}

// FormatContext renders chunks as the context block of the prompt
func FormatContext(chunks []models.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[%s p.%d]\n%s", c.Source, c.PageNumber, c.Content)
	}
	return strings.Join(parts, models.ContextSeparator)
}

// formatSources lists the distinct pages that were cited
func formatSources(chunks []models.ScoredChunk) string {
	seen := make(map[string]bool)
	var sources []string
	for _, c := range chunks {
		s := fmt.Sprintf("%s p.%d", c.Source, c.PageNumber)
		if seen[s] {
			continue
		}
		seen[s] = true
		sources = append(sources, s)
	}
	return strings.Join(sources, ", ")
}
