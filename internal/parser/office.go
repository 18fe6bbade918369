package parser

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
)

var (
	docxTextRe  = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	pptxTextRe  = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

func extractDOCX(filePath string) ([]page, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}
	defer r.Close()

	// GetContent returns the raw document.xml, paragraphs end with </w:p>
	content := r.Editable().GetContent()
	var text strings.Builder
	for _, para := range strings.Split(content, "</w:p>") {
		line := extractXMLText(para, docxTextRe, "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		text.WriteString(line)
		text.WriteString("\n\n")
	}
	// DOCX has no page numbers
	return []page{{Number: defaultPageNumber, Text: text.String()}}, nil
}

func extractPPTX(filePath string) ([]page, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}
	defer f.Close()

	var pages []page
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		slideNum, _ := strconv.Atoi(m[1])
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		pages = append(pages, page{Number: slideNum, Text: extractXMLText(string(data), pptxTextRe, " ")})
	}
	// zip entries are not guaranteed to be in slide order
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}

func extractXLSX(filePath string) ([]page, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}

	var pages []page
	for sheetNum, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		pages = append(pages, page{Number: sheetNum + 1, Text: sheetText(sheet.Name, rows)})
	}
	return pages, nil
}

// extractWorkbook handles the macro and template workbook variants through excelize
func extractWorkbook(filePath string) ([]page, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDocument, err)
	}
	defer f.Close()

	var pages []page
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheetName, err)
		}
		pages = append(pages, page{Number: sheetNum + 1, Text: sheetText(sheetName, rows)})
	}
	return pages, nil
}

func sheetText(name string, rows [][]string) string {
	var text strings.Builder
	hasCells := false
	fmt.Fprintf(&text, "## Sheet: %s\n", name)
	for _, row := range rows {
		line := strings.TrimSpace(strings.Join(row, "\t"))
		if line == "" {
			continue
		}
		hasCells = true
		text.WriteString(line)
		text.WriteString("\n")
	}
	if !hasCells {
		return ""
	}
	return text.String()
}

func extractXMLText(xmlContent string, re *regexp.Regexp, sep string) string {
	var text strings.Builder
	for _, m := range re.FindAllStringSubmatch(xmlContent, -1) {
		text.WriteString(html.UnescapeString(m[1]))
		text.WriteString(sep)
	}
	return text.String()
}
