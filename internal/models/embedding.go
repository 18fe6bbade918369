package models

import "fmt"

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	Source     string
	Content    string
	PageNumber int
	ChunkID    int
}

// ID identifies the chunk within all collections, used as the dedup key
// during retrieval.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s:p%d:c%d", c.Source, c.PageNumber, c.ChunkID)
}

type ChunkEmbedding struct {
	Chunk
	Embedding []float32
}

// ScoredChunk is a single similarity search hit.
type ScoredChunk struct {
	Chunk
	Similarity float32
}

type PromptResponse struct {
	Query   string
	Content string
	// formatted context handed to the model
	Context string
	Source  string
	Sources []ScoredChunk
}
