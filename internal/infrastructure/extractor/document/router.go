package document

import (
	"context"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// Sniffer is implemented by analyzers that only handle some file formats.
type Sniffer interface {
	Accepts(data []byte) bool
}

// Router sends a document to the first specialized analyzer that accepts its
// content, and to the fallback otherwise.
type Router struct {
	fallback    ports.DocumentAnalyzer
	specialized []ports.DocumentAnalyzer
}

func NewRouter(fallback ports.DocumentAnalyzer, specialized ...ports.DocumentAnalyzer) *Router {
	return &Router{fallback: fallback, specialized: specialized}
}

func (r *Router) Analyze(ctx context.Context, data []byte, profile string) (domain.AnalyzedDocument, error) {
	for _, a := range r.specialized {
		if s, ok := a.(Sniffer); ok && s.Accepts(data) {
			return a.Analyze(ctx, data, profile)
		}
	}
	return r.fallback.Analyze(ctx, data, profile)
}
