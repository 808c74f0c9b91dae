package sheet

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Analyzer reads invoices delivered as spreadsheets. Every sheet becomes a
// page and every non-empty row a tab separated line.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Accepts(data []byte) bool {
	if len(data) < 4 || data[0] != 0x50 || data[1] != 0x4B {
		return false
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return false
	}
	defer f.Close()
	return true
}

func (a *Analyzer) Analyze(ctx context.Context, data []byte, _ string) (domain.AnalyzedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return domain.AnalyzedDocument{}, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	doc := domain.AnalyzedDocument{Pages: make([]domain.AnalyzedPage, 0, len(sheets))}
	for i, name := range sheets {
		if err := ctx.Err(); err != nil {
			return domain.AnalyzedDocument{}, err
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return domain.AnalyzedDocument{}, fmt.Errorf("read sheet %q: %w", name, err)
		}
		page := domain.AnalyzedPage{Number: i + 1, Lines: make([]string, 0, len(rows))}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if c := strings.TrimSpace(cell); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				page.Lines = append(page.Lines, strings.Join(cells, "\t"))
			}
		}
		doc.Pages = append(doc.Pages, page)
	}
	return doc, nil
}
