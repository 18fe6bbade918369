package llmservice

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// NewChatModel returns the Ollama chat model used for query expansion and answers
func NewChatModel(llmConfig config.LLMConfig) (*ollama.LLM, error) {
	log.Debug().Str("base_url", llmConfig.BaseURL).Str("model", llmConfig.Model).Msg("Creating chat model")
	llm, err := ollama.New(
		ollama.WithServerURL(llmConfig.BaseURL),
		ollama.WithModel(llmConfig.Model),
		ollama.WithHTTPClient(&http.Client{Timeout: time.Duration(llmConfig.TimeoutSecs) * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	return llm, nil
}

func callOptions(llmConfig config.LLMConfig) []llms.CallOption {
	return []llms.CallOption{
		llms.WithTemperature(llmConfig.Temperature),
		llms.WithSeed(llmConfig.Seed),
	}
}

// ChainOptions carries the same sampling settings into an LLMChain call
func ChainOptions(llmConfig config.LLMConfig) []chains.ChainCallOption {
	return []chains.ChainCallOption{
		chains.WithTemperature(llmConfig.Temperature),
		chains.WithSeed(llmConfig.Seed),
	}
}

// call llm
func GenerateContent(ctx context.Context, llm llms.Model, llmConfig config.LLMConfig, prompt string) (string, error) {
	msgContent := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	res, err := llm.GenerateContent(ctx, msgContent, callOptions(llmConfig)...)
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return StripThinking(res.Choices[0].Content), nil
}

// StripThinking drops <think> blocks emitted by reasoning models
func StripThinking(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}
