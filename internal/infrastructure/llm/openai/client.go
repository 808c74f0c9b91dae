package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

const operationNormalize = "normalize_invoice"

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	AttemptTimeout time.Duration
	PromptFile     string
}

// Normalizer maps recognized invoice text to an InvoiceRecord through an
// OpenAI compatible chat completions endpoint.
type Normalizer struct {
	baseURL        string
	apiKey         string
	model          string
	temperature    float64
	attemptTimeout time.Duration
	httpClient     *http.Client
	executor       *resilience.Executor
	prompt         Prompt
	schema         *jsonschema.Schema
	logger         *slog.Logger
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) (*Normalizer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("normalization base url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("normalization model is required")
	}
	prompt, err := LoadPrompt(cfg.PromptFile)
	if err != nil {
		return nil, err
	}
	schema, err := compileInvoiceSchema()
	if err != nil {
		return nil, err
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.NormalizationConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 60 * time.Second
	}
	return &Normalizer{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		temperature:    cfg.Temperature,
		attemptTimeout: attemptTimeout,
		httpClient:     &http.Client{},
		executor:       executor,
		prompt:         prompt,
		schema:         schema,
		logger:         logger,
	}, nil
}

// Normalize runs the completion under the executor's retry policy. Every
// failed attempt, including an unparsable answer, counts towards the limit.
func (n *Normalizer) Normalize(ctx context.Context, text string) (domain.InvoiceRecord, error) {
	if strings.TrimSpace(text) == "" {
		return domain.InvoiceRecord{}, domain.WrapError(domain.ErrNormalization, "normalize invoice", errors.New("empty input text"))
	}

	rid := uuid.NewString()
	start := time.Now()
	n.logger.Debug("llm.normalize.start", "req_id", rid, "model", n.model, "text_len", len(text))

	var record domain.InvoiceRecord
	attempts := 0
	err := n.executor.Execute(ctx, operationNormalize, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
		defer cancel()

		content, err := n.complete(attemptCtx, text)
		if err != nil {
			return err
		}
		parsed, err := decodeInvoice(n.schema, content)
		if err != nil {
			return err
		}
		record = parsed
		return nil
	}, classifyNormalizationError)
	if err != nil {
		n.logger.Warn("llm.normalize.failed",
			"req_id", rid,
			"attempts", attempts,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return domain.InvoiceRecord{}, domain.WrapError(domain.ErrNormalization, "normalize invoice", err)
	}

	n.logger.Info("llm.normalize.ok",
		"req_id", rid,
		"attempts", attempts,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return record, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Messages       []chatMessage  `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (n *Normalizer) complete(ctx context.Context, text string) (string, error) {
	req := chatRequest{
		Model:          n.model,
		Temperature:    n.temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: n.prompt.System},
			{Role: "user", Content: n.prompt.userMessage(text)},
		},
	}

	var resp chatResponse
	if err := n.postJSON(ctx, "/chat/completions", req, &resp, "chat completion"); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in chat completion response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty chat completion content")
	}
	return content, nil
}
