package plaintext

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Analyzer handles text based invoices such as CSV exports or XML
// e-invoices. The whole file is one page.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Accepts(data []byte) bool {
	if len(data) == 0 || bytes.HasPrefix(data, []byte("%PDF")) {
		return false
	}
	return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}

func (a *Analyzer) Analyze(_ context.Context, data []byte, _ string) (domain.AnalyzedDocument, error) {
	text := strings.TrimSpace(strings.TrimPrefix(string(data), "\ufeff"))
	if text == "" {
		return domain.AnalyzedDocument{}, nil
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	return domain.AnalyzedDocument{Pages: []domain.AnalyzedPage{{Number: 1, Lines: lines}}}, nil
}
