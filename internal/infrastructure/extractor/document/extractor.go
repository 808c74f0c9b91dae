package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

const operationAnalyze = "analyze_document"

// StatusCoder is implemented by remote errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Extractor downloads a file and turns the analyzed pages into one text.
// Pages are separated by a blank line, lines by a newline.
type Extractor struct {
	resolver ports.FileResolver
	analyzer ports.DocumentAnalyzer
	profile  string
	executor *resilience.Executor
	logger   *slog.Logger
}

// NewExtractor wires the extraction stage. executor may be nil; when set it
// must be configured for a single attempt, extraction is never retried.
func NewExtractor(resolver ports.FileResolver, analyzer ports.DocumentAnalyzer, profile string, executor *resilience.Executor, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		resolver: resolver,
		analyzer: analyzer,
		profile:  profile,
		executor: executor,
		logger:   logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, fileRef string) (string, error) {
	start := time.Now()
	data, err := e.resolver.Fetch(ctx, fileRef)
	if err != nil {
		if domain.IsKind(err, domain.ErrDownload) {
			return "", err
		}
		return "", domain.WrapError(domain.ErrDownload, "fetch file", err)
	}
	if len(data) == 0 {
		return "", domain.WrapError(domain.ErrDownload, "fetch file", errors.New("empty payload"))
	}

	doc, err := e.analyze(ctx, data)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "analyze document", err)
	}
	if len(doc.Pages) == 0 {
		return "", domain.WrapError(domain.ErrExtraction, "analyze document", errors.New("no analyzable pages"))
	}

	text := JoinPages(doc)
	if text == "" {
		return "", domain.WrapError(domain.ErrExtraction, "analyze document", fmt.Errorf("no text found on %d pages", len(doc.Pages)))
	}

	e.logger.Debug("extraction.ok",
		"file_ref", fileRef,
		"bytes", len(data),
		"pages", len(doc.Pages),
		"text_len", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

func (e *Extractor) analyze(ctx context.Context, data []byte) (domain.AnalyzedDocument, error) {
	if e.executor == nil {
		return e.analyzer.Analyze(ctx, data, e.profile)
	}
	var doc domain.AnalyzedDocument
	err := e.executor.Execute(ctx, operationAnalyze, func(ctx context.Context) error {
		var err error
		doc, err = e.analyzer.Analyze(ctx, data, e.profile)
		return err
	}, classifyAnalysisError)
	return doc, err
}

// JoinPages trims every line and page and drops the empty ones.
func JoinPages(doc domain.AnalyzedDocument) string {
	pages := make([]string, 0, len(doc.Pages))
	for _, page := range doc.Pages {
		lines := make([]string, 0, len(page.Lines))
		for _, line := range page.Lines {
			if l := strings.TrimSpace(line); l != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(pages, "\n\n")
}

func classifyAnalysisError(err error) resilience.ErrorClassification {
	if err == nil || errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{}
	}
	var coded StatusCoder
	if errors.As(err, &coded) {
		return resilience.ErrorClassification{RecordFailure: coded.HTTPStatus() >= 500 || coded.HTTPStatus() == 429}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{RecordFailure: true}
	}
	return resilience.ErrorClassification{}
}
