package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/embedding"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

// metadata keys stored with every document
const (
	metaSource  = "source"
	metaPage    = "page"
	metaChunkID = "chunk_id"
)

// VectorDBManager encapsulates the chromem-go database operations
type VectorDBManager struct {
	db            *chromem.DB
	embedder      embeddings.Embedder
	dbPath        string
	compress      bool
	encryptionKey string
}

var _ models.VectorStoreManager = (*VectorDBManager)(nil)

// NewVectorDBManager opens the persistent database under cfg.VectorDir, or an
// in-memory one when inMemory is set.
func NewVectorDBManager(cfg config.StorageConfig, inMemory bool, embedder embeddings.Embedder) (*VectorDBManager, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.VectorDir, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	log.Debug().Str("path", cfg.VectorDir).Bool("in_memory", inMemory).Int("collections", len(db.ListCollections())).Msg("Opened vector database")

	return &VectorDBManager{
		db:            db,
		embedder:      embedder,
		dbPath:        cfg.VectorDir,
		compress:      cfg.Compress,
		encryptionKey: cfg.EncryptionKey,
	}, nil
}

// CreateOrLoad returns the collection named name. An existing non-empty
// collection is loaded as is and chunks are ignored, otherwise chunks are
// embedded and stored under that name.
func (m *VectorDBManager) CreateOrLoad(ctx context.Context, name string, chunks []models.Chunk) (models.VectorStore, error) {
	if name == "" {
		return nil, &models.VectorStoreError{Op: "create", Err: fmt.Errorf("collection name is required")}
	}

	if c := m.db.GetCollection(name, m.embedFunc()); c != nil {
		if c.Count() > 0 {
			log.Info().Str("collection", name).Int("documents", c.Count()).Msg("Loaded existing collection")
			return &Collection{collection: c}, nil
		}
		// left behind by an interrupted ingestion
		if err := m.db.DeleteCollection(name); err != nil {
			return nil, &models.VectorStoreError{Collection: name, Op: "delete", Err: err}
		}
	}

	if len(chunks) == 0 {
		return nil, &models.VectorStoreError{Collection: name, Op: "create", Err: models.ErrNoChunks}
	}

	chunkEmbeddings, err := embedding.GenerateEmbedding(ctx, m.embedder, chunks)
	if err != nil {
		return nil, &models.VectorStoreError{Collection: name, Op: "embed", Err: err}
	}

	docs := make([]chromem.Document, len(chunkEmbeddings))
	for i, ce := range chunkEmbeddings {
		docs[i] = chromem.Document{
			ID:        ce.ID(),
			Content:   ce.Content,
			Metadata:  createMetadata(ce.Chunk),
			Embedding: ce.Embedding,
		}
	}

	c, err := m.db.CreateCollection(name, map[string]string{metaSource: name}, m.embedFunc())
	if err != nil {
		return nil, &models.VectorStoreError{Collection: name, Op: "create", Err: err}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		// do not leave a half written collection behind
		if delErr := m.db.DeleteCollection(name); delErr != nil {
			log.Warn().Err(delErr).Str("collection", name).Msg("Failed to remove partial collection")
		}
		return nil, &models.VectorStoreError{Collection: name, Op: "add", Err: err}
	}

	log.Info().Str("collection", name).Int("documents", len(docs)).Msg("Created collection")
	return &Collection{collection: c}, nil
}

// Collections lists the names of all stored collections
func (m *VectorDBManager) Collections() []string {
	var names []string
	for name := range m.db.ListCollections() {
		names = append(names, name)
	}
	return names
}

// delete collection
func (m *VectorDBManager) DeleteCollection(name string) error {
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// Export writes an encrypted snapshot of the named collection. An empty
// filePath exports next to the database as <name>.chromem.
func (m *VectorDBManager) Export(ctx context.Context, name, filePath string) (string, error) {
	if m.encryptionKey == "" {
		return "", fmt.Errorf("encryption key is required")
	}
	if m.db.GetCollection(name, m.embedFunc()) == nil {
		return "", &models.VectorStoreError{Collection: name, Op: "export", Err: fmt.Errorf("collection does not exist")}
	}
	if filePath == "" {
		if m.dbPath == "" {
			return "", fmt.Errorf("db path is required")
		}
		filePath = filepath.Join(m.dbPath, name+".chromem")
	}

	log.Debug().Str("collection", name).Str("file", filePath).Bool("compress", m.compress).Msg("Exporting collection")
	// export collection
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey, name); err != nil {
		return "", fmt.Errorf("failed to export database: %w", err)
	}
	return filePath, nil
}

// Import restores the collections of an exported snapshot. When names are
// given only those collections are restored.
func (m *VectorDBManager) Import(ctx context.Context, filePath string, names ...string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if err := m.db.ImportFromFile(filePath, m.encryptionKey, names...); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return nil
}

// chromem keeps everything on disk after each write
func (m *VectorDBManager) Close() error {
	return nil
}

func (m *VectorDBManager) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return m.embedder.EmbedQuery(ctx, text)
	}
}

// meta data will have source filename, page number, chunk id
func createMetadata(c models.Chunk) map[string]string {
	return map[string]string{
		metaSource:  c.Source,
		metaPage:    strconv.Itoa(c.PageNumber),
		metaChunkID: strconv.Itoa(c.ChunkID),
	}
}

func chunkFromResult(r chromem.Result) models.Chunk {
	page, _ := strconv.Atoi(r.Metadata[metaPage])
	chunkID, _ := strconv.Atoi(r.Metadata[metaChunkID])
	return models.Chunk{
		Source:     r.Metadata[metaSource],
		Content:    r.Content,
		PageNumber: page,
		ChunkID:    chunkID,
	}
}

// Collection is a models.VectorStore backed by a chromem collection
type Collection struct {
	collection *chromem.Collection
}

func (c *Collection) Name() string { return c.collection.Name }

func (c *Collection) Count(ctx context.Context) (int, error) {
	return c.collection.Count(), nil
}

// Search returns up to k chunks most similar to query
func (c *Collection) Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	count := c.collection.Count()
	if count == 0 {
		return nil, &models.VectorStoreError{Collection: c.Name(), Op: "search", Err: models.ErrEmptyCollection}
	}
	// chromem rejects n larger than the collection
	k = min(max(k, 1), count)

	results, err := c.collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryText: query,
		NResults:  k,
	})
	if err != nil {
		return nil, &models.VectorStoreError{Collection: c.Name(), Op: "search", Err: err}
	}

	scored := make([]models.ScoredChunk, len(results))
	for i, r := range results {
		scored[i] = models.ScoredChunk{Chunk: chunkFromResult(r), Similarity: r.Similarity}
	}
	return scored, nil
}
