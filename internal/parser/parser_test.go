package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/testutil"
)

var samplePages = []string{
	"Page one introduces the Document Assistant.\nIt explains ingestion of PDF files.",
	"Page two covers the vector store.\nEmbeddings are persisted per collection.",
	"Page three describes the multi query retriever and the answer chain.",
}

func defaultRAG() config.RAGConfig {
	return config.Default().RAG
}

func requireIngestionError(t *testing.T, err error) *models.IngestionError {
	t.Helper()
	require.Error(t, err)
	var ingestErr *models.IngestionError
	require.True(t, errors.As(err, &ingestErr), "expected IngestionError, got %T: %v", err, err)
	return ingestErr
}

func TestParseDocumentPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.pdf")
	testutil.WritePDF(t, path, samplePages)

	chunks, err := ParseDocument(path, defaultRAG())
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for i, c := range chunks {
		assert.Equal(t, "sample.pdf", c.Source)
		assert.Equal(t, i+1, c.PageNumber)
		assert.Equal(t, 1, c.ChunkID)
		assert.NotEmpty(t, strings.TrimSpace(c.Content))
	}
	assert.Contains(t, chunks[1].Content, "vector store")
	assert.Contains(t, chunks[0].Content, "explains ingestion")
}

func TestParseDocumentRespectsChunkSize(t *testing.T) {
	words := strings.Repeat("retrieval augmented generation over local documents ", 40)
	path := filepath.Join(t.TempDir(), "long.pdf")
	testutil.WritePDF(t, path, []string{words, words})

	cfg := config.RAGConfig{ChunkSize: 200, ChunkOverlap: 50}
	chunks, err := ParseDocument(path, cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 4)

	lastPage, lastID := 0, 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Content)), cfg.ChunkSize)
		if c.PageNumber != lastPage {
			assert.Greater(t, c.PageNumber, lastPage)
			lastPage, lastID = c.PageNumber, 0
		}
		assert.Equal(t, lastID+1, c.ChunkID)
		lastID = c.ChunkID
	}
	assert.Equal(t, 2, lastPage)
}

func TestParseDocumentBrokenPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is definitely not a pdf document"), 0o644))

	_, err := ParseDocument(path, defaultRAG())
	ingestErr := requireIngestionError(t, err)
	assert.Equal(t, path, ingestErr.Path)
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
}

func TestParseDocumentTruncatedPDF(t *testing.T) {
	data := testutil.BuildPDF(samplePages)
	path := filepath.Join(t.TempDir(), "truncated.pdf")
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	_, err := ParseDocument(path, defaultRAG())
	requireIngestionError(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
}

func TestParseDocumentEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := ParseDocument(path, defaultRAG())
	requireIngestionError(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
}

func TestParseDocumentNoText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanned.pdf")
	testutil.WritePDF(t, path, []string{"", "   "})

	_, err := ParseDocument(path, defaultRAG())
	requireIngestionError(t, err)
	assert.ErrorIs(t, err, models.ErrNoText)
}

func TestParseDocumentMissingFile(t *testing.T) {
	_, err := ParseDocument(filepath.Join(t.TempDir(), "missing.pdf"), defaultRAG())
	requireIngestionError(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseDocumentUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644))

	_, err := ParseDocument(path, defaultRAG())
	requireIngestionError(t, err)
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestParseDocumentText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("first paragraph\r\n\r\nsecond paragraph"), 0o644))

	chunks, err := ParseDocument(path, defaultRAG())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "notes.txt", chunks[0].Source)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", chunks[0].Content)
}

func TestExtractXMLText(t *testing.T) {
	xml := `<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> &amp; goodbye</w:t></w:r></w:p>`
	assert.Equal(t, "Hello & goodbye", extractXMLText(xml, docxTextRe, ""))
}

func TestSheetText(t *testing.T) {
	assert.Equal(t, "", sheetText("empty", [][]string{{"", ""}}))
	assert.Equal(t, "## Sheet: data\na\tb\n", sheetText("data", [][]string{{"a", "b"}, {}}))
}
