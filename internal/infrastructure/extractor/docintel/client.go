package docintel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const (
	defaultAPIVersion   = "2024-11-30"
	defaultPollInterval = time.Second
	maxPollInterval     = 10 * time.Second
)

type Config struct {
	Endpoint     string
	APIKey       string
	APIVersion   string
	PollInterval time.Duration
}

// HTTPStatusError is a non-2xx answer of the analysis service.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("document intelligence %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("document intelligence %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func (e *HTTPStatusError) HTTPStatus() int {
	return e.StatusCode
}

// Client submits documents to a Document Intelligence analyze endpoint and
// polls the returned operation until it finishes.
type Client struct {
	endpoint     string
	apiKey       string
	apiVersion   string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("document intelligence endpoint is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		apiVersion:   cfg.APIVersion,
		pollInterval: cfg.PollInterval,
		httpClient:   &http.Client{},
		logger:       logger,
	}, nil
}

type analyzeOperation struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Pages []struct {
			PageNumber int `json:"pageNumber"`
			Lines      []struct {
				Content string `json:"content"`
			} `json:"lines"`
		} `json:"pages"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Analyze(ctx context.Context, data []byte, profile string) (domain.AnalyzedDocument, error) {
	location, err := c.submit(ctx, data, profile)
	if err != nil {
		return domain.AnalyzedDocument{}, err
	}

	wait := c.pollInterval
	for {
		op, retryAfter, err := c.poll(ctx, location)
		if err != nil {
			return domain.AnalyzedDocument{}, err
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			return toDocument(op), nil
		case "failed", "canceled":
			msg := op.Status
			if op.Error != nil {
				msg = fmt.Sprintf("%s: %s: %s", op.Status, op.Error.Code, op.Error.Message)
			}
			return domain.AnalyzedDocument{}, fmt.Errorf("document analysis %s", msg)
		}

		if retryAfter > 0 {
			wait = retryAfter
		}
		if wait > maxPollInterval {
			wait = maxPollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.AnalyzedDocument{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) submit(ctx context.Context, data []byte, profile string) (string, error) {
	if profile == "" {
		profile = "prebuilt-invoice"
	}
	body, err := json.Marshal(map[string]string{
		"base64Source": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", fmt.Errorf("marshal analyze request: %w", err)
	}

	u := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		c.endpoint, url.PathEscape(profile), url.QueryEscape(c.apiVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("document intelligence analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", statusError("analyze", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Operation-Location")
	if location == "" {
		return "", errors.New("document intelligence analyze response has no Operation-Location")
	}
	return location, nil
}

func (c *Client) poll(ctx context.Context, location string) (analyzeOperation, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return analyzeOperation{}, 0, fmt.Errorf("create poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return analyzeOperation{}, 0, fmt.Errorf("document intelligence poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return analyzeOperation{}, 0, statusError("poll", resp)
	}

	var op analyzeOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return analyzeOperation{}, 0, fmt.Errorf("decode poll response: %w", err)
	}
	return op, retryAfter(resp.Header.Get("Retry-After")), nil
}

func toDocument(op analyzeOperation) domain.AnalyzedDocument {
	if op.AnalyzeResult == nil {
		return domain.AnalyzedDocument{}
	}
	doc := domain.AnalyzedDocument{Pages: make([]domain.AnalyzedPage, 0, len(op.AnalyzeResult.Pages))}
	for i, p := range op.AnalyzeResult.Pages {
		page := domain.AnalyzedPage{Number: p.PageNumber, Lines: make([]string, 0, len(p.Lines))}
		if page.Number == 0 {
			page.Number = i + 1
		}
		for _, l := range p.Lines {
			page.Lines = append(page.Lines, l.Content)
		}
		doc.Pages = append(doc.Pages, page)
	}
	return doc
}

func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
