package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

const embedDim = 64

var ErrEmbedFailed = errors.New("embedding service unavailable")

// FakeEmbedder produces deterministic bag-of-words vectors. Texts sharing
// words end up close to each other, which is enough to make similarity
// search meaningful in tests.
type FakeEmbedder struct {
	// Fail makes every call return ErrEmbedFailed.
	Fail bool

	calls atomic.Int64
	mu    sync.Mutex
	texts int
}

// Calls returns how many times EmbedDocuments or EmbedQuery were invoked.
func (f *FakeEmbedder) Calls() int { return int(f.calls.Load()) }

// Texts returns the number of texts embedded through EmbedDocuments.
func (f *FakeEmbedder) Texts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts
}

func (f *FakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.Fail {
		return nil, ErrEmbedFailed
	}
	f.mu.Lock()
	f.texts += len(texts)
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = Vector(text)
	}
	return out, nil
}

func (f *FakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.Fail {
		return nil, ErrEmbedFailed
	}
	return Vector(text), nil
}

// Vector is the embedding FakeEmbedder returns for text.
func Vector(text string) []float32 {
	v := make([]float32, embedDim)
	// bias keeps the vector away from zero for empty input
	v[0] = 0.01
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[1+int(h.Sum32()%(embedDim-1))] += 1
	}
	return v
}
