package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/uptrace/bun"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/embedding"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

// PGVectorManager keeps collections as rows of a pgvector table.
type PGVectorManager struct {
	db        *bun.DB
	embedder  embeddings.Embedder
	vectorDim int
}

var _ models.VectorStoreManager = (*PGVectorManager)(nil)

// NewPGVectorManager connects to postgres and makes sure the schema exists
func NewPGVectorManager(ctx context.Context, cfg config.DatabaseConfig, embedder embeddings.Embedder) (*PGVectorManager, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	sqldb, err := ConnectDB(&cfg)
	if err != nil {
		return nil, err
	}
	bunDB := NewDB(sqldb, cfg.Debug)
	if err := bunDB.PingContext(ctx); err != nil {
		bunDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := InitDB(ctx, bunDB); err != nil {
		bunDB.Close()
		return nil, err
	}
	return &PGVectorManager{db: bunDB, embedder: embedder, vectorDim: cfg.VectorDim}, nil
}

func (m *PGVectorManager) CreateOrLoad(ctx context.Context, name string, chunks []models.Chunk) (models.VectorStore, error) {
	if name == "" {
		return nil, &models.VectorStoreError{Op: "create", Err: fmt.Errorf("collection name is required")}
	}

	count, err := CountDocuments(ctx, m.db, name)
	if err != nil {
		return nil, &models.VectorStoreError{Collection: name, Op: "load", Err: err}
	}
	if count > 0 {
		log.Info().Str("collection", name).Int("documents", count).Msg("Loaded existing collection")
		return &PGCollection{db: m.db, embedder: m.embedder, name: name}, nil
	}

	if len(chunks) == 0 {
		return nil, &models.VectorStoreError{Collection: name, Op: "create", Err: models.ErrNoChunks}
	}

	chunkEmbeddings, err := embedding.GenerateEmbedding(ctx, m.embedder, chunks)
	if err != nil {
		return nil, &models.VectorStoreError{Collection: name, Op: "embed", Err: err}
	}

	docs := make([]DocChunk, len(chunkEmbeddings))
	for i, ce := range chunkEmbeddings {
		if m.vectorDim > 0 && len(ce.Embedding) != m.vectorDim {
			return nil, &models.VectorStoreError{Collection: name, Op: "embed",
				Err: fmt.Errorf("embedding has %d dimensions, expected %d", len(ce.Embedding), m.vectorDim)}
		}
		docs[i] = DocChunk{
			Collection: name,
			Source:     ce.Source,
			PageNumber: ce.PageNumber,
			ChunkID:    ce.ChunkID,
			Content:    ce.Content,
			Embedding:  pgvector.NewVector(ce.Embedding),
		}
	}

	if err := StoreDocuments(ctx, m.db, docs); err != nil {
		return nil, &models.VectorStoreError{Collection: name, Op: "add", Err: err}
	}

	log.Info().Str("collection", name).Int("documents", len(docs)).Msg("Created collection")
	return &PGCollection{db: m.db, embedder: m.embedder, name: name}, nil
}

func (m *PGVectorManager) DeleteCollection(ctx context.Context, name string) error {
	if err := DropCollection(ctx, m.db, name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

func (m *PGVectorManager) Collections(ctx context.Context) ([]string, error) {
	names, err := ListCollections(ctx, m.db)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// Reset drops the chunk table with every collection in it and recreates it
func (m *PGVectorManager) Reset(ctx context.Context) error {
	if err := DropDocuments(ctx, m.db); err != nil {
		return fmt.Errorf("failed to drop documents: %w", err)
	}
	return InitDB(ctx, m.db)
}

func (m *PGVectorManager) Close() error {
	return m.db.Close()
}

// PGCollection is a models.VectorStore over the rows of one collection
type PGCollection struct {
	db       *bun.DB
	embedder embeddings.Embedder
	name     string
}

func (c *PGCollection) Name() string { return c.name }

func (c *PGCollection) Count(ctx context.Context) (int, error) {
	return CountDocuments(ctx, c.db, c.name)
}

func (c *PGCollection) Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	queryEmbedding, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, &models.VectorStoreError{Collection: c.name, Op: "search", Err: err}
	}

	results, err := SearchDocuments(ctx, c.db, c.name, queryEmbedding, max(k, 1))
	if err != nil {
		return nil, &models.VectorStoreError{Collection: c.name, Op: "search", Err: err}
	}
	if len(results) == 0 {
		return nil, &models.VectorStoreError{Collection: c.name, Op: "search", Err: models.ErrEmptyCollection}
	}

	scored := make([]models.ScoredChunk, len(results))
	for i, r := range results {
		scored[i] = models.ScoredChunk{
			Chunk: models.Chunk{
				Source:     r.Source,
				Content:    r.Content,
				PageNumber: r.PageNumber,
				ChunkID:    r.ChunkID,
			},
			Similarity: float32(r.Similarity),
		}
	}
	return scored, nil
}
