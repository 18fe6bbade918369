package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

var ErrLLMDown = errors.New("model runtime unreachable")

// StubLLM is an llms.Model answering through Respond. Every prompt it sees
// is recorded.
type StubLLM struct {
	Respond func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
	options []llms.CallOptions
}

var _ llms.Model = (*StubLLM)(nil)

// Echo returns a stub that always answers with reply.
func Echo(reply string) *StubLLM {
	return &StubLLM{Respond: func(string) (string, error) { return reply, nil }}
}

// Failing returns a stub whose every call fails with ErrLLMDown.
func Failing() *StubLLM {
	return &StubLLM{Respond: func(string) (string, error) { return "", ErrLLMDown }}
}

func (s *StubLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var prompt string
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				prompt += tc.Text
			}
		}
	}
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.options = append(s.options, opts)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.Respond(prompt)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (s *StubLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

// Prompts returns a copy of the prompts received so far.
func (s *StubLLM) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// LastOptions returns the call options of the most recent call.
func (s *StubLLM) LastOptions() llms.CallOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.options) == 0 {
		return llms.CallOptions{}
	}
	return s.options[len(s.options)-1]
}
