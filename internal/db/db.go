package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
)

// DocChunk is one embedded chunk of an uploaded document
type DocChunk struct {
	bun.BaseModel `bun:"table:doc_chunks,alias:dc"`
	ID            int64           `bun:"id,pk,autoincrement"`
	Collection    string          `bun:"collection,notnull"`
	Source        string          `bun:"source,notnull"`
	PageNumber    int             `bun:"page_number,notnull"`
	ChunkID       int             `bun:"chunk_id,notnull"`
	Content       string          `bun:"content,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
}

// NewDB wraps sqldb with the postgres dialect
func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with the configured driver
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	switch cfg.Driver {
	case config.DriverPQ:
		sqldb, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return sqldb, nil
	case config.DriverPG, "":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// InitDB enables pgvector and creates the chunk table
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*DocChunk)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	_, err := db.NewCreateIndex().
		Model((*DocChunk)(nil)).
		Index("doc_chunks_collection_idx").
		IfNotExists().
		Column("collection").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// StoreDocuments inserts all chunks in a single transaction
func StoreDocuments(ctx context.Context, db *bun.DB, docs []DocChunk) error {
	if len(docs) == 0 {
		return nil
	}
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&docs).Exec(ctx)
		return err
	})
}

func CountDocuments(ctx context.Context, db *bun.DB, collection string) (int, error) {
	return db.NewSelect().Model((*DocChunk)(nil)).Where("collection = ?", collection).Count(ctx)
}

// SearchResult is a chunk together with its cosine similarity to the query
type SearchResult struct {
	Source     string  `bun:"source"`
	PageNumber int     `bun:"page_number"`
	ChunkID    int     `bun:"chunk_id"`
	Content    string  `bun:"content"`
	Similarity float64 `bun:"similarity"`
}

// SearchDocuments ranks the chunks of a collection by cosine distance
func SearchDocuments(ctx context.Context, db *bun.DB, collection string, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	var results []SearchResult
	q := pgvector.NewVector(queryEmbedding)
	err := db.NewSelect().
		Model((*DocChunk)(nil)).
		Column("source", "page_number", "chunk_id", "content").
		ColumnExpr("1 - (embedding <=> ?::vector) AS similarity", q).
		Where("collection = ?", collection).
		OrderExpr("embedding <=> ?::vector", q).
		OrderExpr("id").
		Limit(limit).
		Scan(ctx, &results)
	return results, err
}

// DropCollection removes every chunk of a collection
func DropCollection(ctx context.Context, db *bun.DB, collection string) error {
	res, err := db.NewDelete().Model((*DocChunk)(nil)).Where("collection = ?", collection).Exec(ctx)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	log.Debug().Str("collection", collection).Int64("rows", n).Msg("Dropped collection")
	return nil
}

// ListCollections returns the distinct collection names in name order
func ListCollections(ctx context.Context, db *bun.DB) ([]string, error) {
	var names []string
	err := db.NewSelect().
		Model((*DocChunk)(nil)).
		Distinct().
		Column("collection").
		Order("collection").
		Scan(ctx, &names)
	return names, err
}

// drop table doc_chunks
func DropDocuments(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*DocChunk)(nil)).IfExists().Exec(ctx)
	return err
}
