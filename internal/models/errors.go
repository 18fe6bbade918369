package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoText            = errors.New("no text could be extracted")
	ErrInvalidDocument   = errors.New("not a valid document")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoChunks          = errors.New("no chunks to embed")
	ErrEmptyCollection   = errors.New("collection is empty")
	ErrEmptyQuestion     = errors.New("question is empty")
)

// IngestionError is returned when a document cannot be turned into chunks.
type IngestionError struct {
	Path string
	Err  error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("failed to ingest %s: %v", e.Path, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

type VectorStoreError struct {
	Collection string
	Op         string
	Err        error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s %q: %v", e.Op, e.Collection, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

type RetrieverError struct {
	Op  string
	Err error
}

func (e *RetrieverError) Error() string {
	return fmt.Sprintf("retriever %s: %v", e.Op, e.Err)
}

func (e *RetrieverError) Unwrap() error { return e.Err }

// ChainError wraps the first failure of a chain invocation. Inner retriever
// and vector store errors stay reachable through errors.As.
type ChainError struct {
	Question string
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("failed to answer %q: %v", e.Question, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
