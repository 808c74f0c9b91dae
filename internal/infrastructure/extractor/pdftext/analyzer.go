package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Analyzer reads the embedded text layer of a PDF locally. Scanned documents
// without a text layer produce empty pages.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Accepts(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF"))
}

func (a *Analyzer) Analyze(ctx context.Context, data []byte, _ string) (doc domain.AnalyzedDocument, err error) {
	defer func() {
		// the parser panics on some malformed cross reference tables
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.AnalyzedDocument{}, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	doc.Pages = make([]domain.AnalyzedPage, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return domain.AnalyzedDocument{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return domain.AnalyzedDocument{}, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		out := domain.AnalyzedPage{Number: i, Lines: make([]string, 0, len(rows))}
		for _, row := range rows {
			var line strings.Builder
			for _, word := range row.Content {
				line.WriteString(word.S)
			}
			out.Lines = append(out.Lines, line.String())
		}
		doc.Pages = append(doc.Pages, out)
	}
	return doc, nil
}
