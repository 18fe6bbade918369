package models

import "context"

// VectorStore is a persisted collection of chunk embeddings.
type VectorStore interface {
	Name() string
	Count(ctx context.Context) (int, error)
	// Search returns at most k chunks ordered by similarity, best first.
	Search(ctx context.Context, query string, k int) ([]ScoredChunk, error)
}

// VectorStoreManager opens existing collections or builds new ones.
type VectorStoreManager interface {
	CreateOrLoad(ctx context.Context, collection string, chunks []Chunk) (VectorStore, error)
	Close() error
}
