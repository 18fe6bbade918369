// Package session holds the single-user state machine behind the web UI.
//
//	Idle --Upload--> Ingesting --ok--> Ready --Ask--> Querying --ok--> Ready
//	                     |                               |
//	                   fail                            fail
//	                     v                               v
//	                   Error --Acknowledge--> Idle     Error --Acknowledge--> Ready
//
// Stop and Close return to Idle from any state. A call in flight at that
// moment is not interrupted, its result is dropped when it returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/helper"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/parser"
	"github.com/mascarenhasneil/HandsOnOllama/internal/rag"
)

type State int

const (
	Idle State = iota
	Ingesting
	Ready
	Querying
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ingesting:
		return "ingesting"
	case Ready:
		return "ready"
	case Querying:
		return "querying"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrBusy           = errors.New("another action is in progress")
	ErrNoDocument     = errors.New("upload a document before asking questions")
	ErrUnacknowledged = errors.New("acknowledge the last error first")
	ErrStopped        = errors.New("the app was stopped while the action was running")
)

const (
	IngestFailedMessage = "Failed to initialize the vector database. Please upload a valid PDF file (PDF format only, not corrupted, and not empty)."
	StopNotice          = "The app has been stopped. Please close the terminal to exit."
	CloseNotice         = "The app has been closed. Please stop the app manually from the terminal."
)

// Answerer is the part of a chain the session needs.
type Answerer interface {
	Query(ctx context.Context, question string) (*models.PromptResponse, error)
}

// Snapshot is a consistent copy of the session for rendering.
type Snapshot struct {
	ID           string                 `json:"id"`
	State        State                  `json:"state"`
	Collection   string                 `json:"collection,omitempty"`
	LastQuestion string                 `json:"last_question,omitempty"`
	LastAnswer   string                 `json:"last_answer,omitempty"`
	Sources      []models.ScoredChunk   `json:"sources,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Notice       string                 `json:"notice,omitempty"`
	Response     *models.PromptResponse `json:"-"`
}

type Session struct {
	id      string
	cfg     *config.Config
	manager models.VectorStoreManager
	llm     llms.Model
	onClose func()

	mu           sync.Mutex
	state        State
	resume       State
	epoch        uint64
	chain        Answerer
	collection   string
	lastQuestion string
	response     *models.PromptResponse
	errMsg       string
	notice       string
	closeOnce    sync.Once
}

// New returns an Idle session. onClose, if set, runs once after Close.
func New(cfg *config.Config, manager models.VectorStoreManager, llm llms.Model, onClose func()) *Session {
	id, err := helper.GenerateUUID()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate session id")
	}
	return &Session{
		id:      id,
		cfg:     cfg,
		manager: manager,
		llm:     llm,
		onClose: onClose,
		state:   Idle,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		Collection:   s.collection,
		LastQuestion: s.lastQuestion,
		Error:        s.errMsg,
		Notice:       s.notice,
		Response:     s.response,
	}
	if s.response != nil {
		snap.LastAnswer = s.response.Content
		snap.Sources = s.response.Sources
	}
	return snap
}

// Upload stores the document and builds the chain for it. Allowed from Idle
// and Ready; a Ready session replaces its document.
func (s *Session) Upload(ctx context.Context, filename string, r io.Reader) error {
	name, err := helper.SanitizeFileName(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Ingesting
	s.chain = nil
	s.collection = ""
	s.lastQuestion = ""
	s.response = nil
	s.notice = ""
	epoch := s.epoch
	s.mu.Unlock()

	logger := log.With().Str("session", s.id).Str("file", name).Logger()
	logger.Info().Msg("Ingesting document")

	chain, err := s.ingest(ctx, name, r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		logger.Info().Msg("Discarding ingestion result of a stopped session")
		return ErrStopped
	}
	if err != nil {
		logger.Error().Err(err).Msg("Ingestion failed")
		s.fail(Idle, IngestFailedMessage)
		return err
	}
	s.state = Ready
	s.chain = chain
	s.collection = name
	logger.Info().Msg("Document ready")
	return nil
}

func (s *Session) ingest(ctx context.Context, name string, r io.Reader) (Answerer, error) {
	path, err := s.saveUpload(name, r)
	if err != nil {
		return nil, &models.IngestionError{Path: name, Err: err}
	}

	chunks, err := parser.ParseDocument(path, s.cfg.RAG)
	if err != nil {
		return nil, err
	}
	store, err := s.manager.CreateOrLoad(ctx, name, chunks)
	if err != nil {
		return nil, err
	}
	retriever, err := rag.CreateRetriever(ctx, store, s.llm, s.cfg)
	if err != nil {
		return nil, err
	}
	return rag.CreateChain(retriever, s.llm, s.cfg, "")
}

func (s *Session) saveUpload(name string, r io.Reader) (string, error) {
	if err := helper.CreateFolder(s.cfg.Storage.UploadDir); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.Storage.UploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}

// Ask answers question with the chain of the current document.
func (s *Session) Ask(ctx context.Context, question string) (*models.PromptResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, models.ErrEmptyQuestion
	}

	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = Querying
	s.lastQuestion = question
	s.response = nil
	chain := s.chain
	epoch := s.epoch
	s.mu.Unlock()

	resp, err := chain.Query(ctx, question)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, ErrStopped
	}
	if err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("Query failed")
		s.fail(Ready, fmt.Sprintf("Failed to answer the question: %v", err))
		return nil, err
	}
	s.state = Ready
	s.response = resp
	return resp, nil
}

// Acknowledge clears an error and resumes the state the session failed from.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Error {
		return
	}
	s.state = s.resume
	s.errMsg = ""
}

// Stop resets the session to Idle.
func (s *Session) Stop() string {
	s.reset(StopNotice)
	log.Info().Str("session", s.id).Msg("App stopped")
	return StopNotice
}

// Close resets the session and runs the close hook once.
func (s *Session) Close() string {
	s.reset(CloseNotice)
	log.Info().Str("session", s.id).Msg("App closed")
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return CloseNotice
}

func (s *Session) reset(notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.state = Idle
	s.resume = Idle
	s.chain = nil
	s.collection = ""
	s.lastQuestion = ""
	s.response = nil
	s.errMsg = ""
	s.notice = notice
}

// checkAvailable must be called with mu held
func (s *Session) checkAvailable() error {
	switch s.state {
	case Ingesting, Querying:
		return ErrBusy
	case Error:
		return ErrUnacknowledged
	}
	return nil
}

// fail must be called with mu held
func (s *Session) fail(resume State, msg string) {
	s.state = Error
	s.resume = resume
	s.errMsg = msg
	if resume == Idle {
		s.chain = nil
		s.collection = ""
	}
}
