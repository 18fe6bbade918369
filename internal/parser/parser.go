package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

const (
	defaultChunkSize    = 1200
	defaultChunkOverlap = 300
	defaultPageNumber   = 1
)

// page is the raw text of one page, slide or sheet
type page struct {
	Number int
	Text   string
}

type extractor func(filePath string) ([]page, error)

var extractors = map[string]extractor{
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".pptx": extractPPTX,
	".xlsx": extractXLSX,
	".xlsm": extractWorkbook,
	".xltx": extractWorkbook,
	".xltm": extractWorkbook,
	".txt":  extractText,
	".md":   extractText,
}

// SupportedExtensions lists the file extensions ParseDocument accepts.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extractors))
	for ext := range extractors {
		exts = append(exts, ext)
	}
	return exts
}

// ParseDocument extracts the text of filePath page by page and splits it into
// ordered chunks. All failures are reported as *models.IngestionError.
func ParseDocument(filePath string, cfg config.RAGConfig) ([]models.Chunk, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = min(defaultChunkOverlap, cfg.ChunkSize/2)
	}

	if _, err := os.Stat(filePath); err != nil {
		return nil, &models.IngestionError{Path: filePath, Err: err}
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	extract, ok := extractors[ext]
	if !ok {
		return nil, &models.IngestionError{Path: filePath, Err: fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, ext)}
	}

	pages, err := extract(filePath)
	if err != nil {
		return nil, &models.IngestionError{Path: filePath, Err: err}
	}

	chunks, err := splitPages(filepath.Base(filePath), pages, cfg)
	if err != nil {
		return nil, &models.IngestionError{Path: filePath, Err: err}
	}
	if len(chunks) == 0 {
		return nil, &models.IngestionError{Path: filePath, Err: models.ErrNoText}
	}

	log.Debug().Str("file", filePath).Int("pages", len(pages)).Int("chunks", len(chunks)).Msg("Parsed document")
	return chunks, nil
}

// splitPages chunks every page separately so each chunk keeps its page number
func splitPages(source string, pages []page, cfg config.RAGConfig) ([]models.Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)

	var chunks []models.Chunk
	for _, p := range pages {
		text := normalizeText(p.Text)
		if text == "" {
			continue
		}
		parts, err := splitter.SplitText(text)
		if err != nil {
			return nil, fmt.Errorf("failed to split page %d: %w", p.Number, err)
		}

		chunkID := 0
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chunkID++
			chunks = append(chunks, models.Chunk{
				Source:     source,
				Content:    part,
				PageNumber: p.Number,
				ChunkID:    chunkID,
			})
		}
	}
	return chunks, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text)
}

func extractPDF(filePath string) (pages []page, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", models.ErrInvalidDocument)
	}

	// the pdf package panics on some malformed object graphs
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", models.ErrInvalidDocument, r)
		}
	}()

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("%w: no pages", models.ErrInvalidDocument)
	}
	for i := 1; i <= numPages; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", models.ErrInvalidDocument, i, err)
		}
		pages = append(pages, page{Number: i, Text: text})
	}
	return pages, nil
}

func extractText(filePath string) ([]page, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []page{{Number: defaultPageNumber, Text: string(data)}}, nil
}

