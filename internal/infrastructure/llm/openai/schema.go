package openai

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

//go:embed schema.json
var invoiceSchemaJSON []byte

func compileInvoiceSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("invoice.json", bytes.NewReader(invoiceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add invoice schema: %w", err)
	}
	schema, err := compiler.Compile("invoice.json")
	if err != nil {
		return nil, fmt.Errorf("compile invoice schema: %w", err)
	}
	return schema, nil
}

// decodeInvoice validates one JSON object against the invoice schema and
// decodes it. Unknown keys are ignored.
func decodeInvoice(schema *jsonschema.Schema, content string) (domain.InvoiceRecord, error) {
	raw := []byte(extractJSONObject(content))

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("parse invoice json: %w", err)
	}
	if _, ok := generic.(map[string]any); !ok {
		return domain.InvoiceRecord{}, fmt.Errorf("parse invoice json: expected object, got %T", generic)
	}
	if err := schema.Validate(generic); err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("invoice json does not match schema: %w", err)
	}

	var record domain.InvoiceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("decode invoice json: %w", err)
	}
	record.FillDerived()
	return record, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
