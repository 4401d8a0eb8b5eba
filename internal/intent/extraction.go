// internal/intent/extraction.go
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"clinquery/internal/common/logger"
)

var (
	ErrExtractionInvalid     = errors.New("PARSE_ERROR")
	ErrExtractionUnavailable = errors.New("UPSTREAM_ERROR")
)

// payloadSchema is the contract the semantic-extraction service must meet.
// Anything outside it is a PARSE_ERROR and falls back to the heuristic path.
const payloadSchema = `{
	"type": "object",
	"required": ["analysis_type", "target_field"],
	"properties": {
		"analysis_type": {"type": "string"},
		"target_field": {"type": "string"},
		"additional_fields": {"type": "array", "items": {"type": "string"}},
		"filters": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["field", "value"],
				"properties": {
					"field": {"type": "string"},
					"value": {"type": "string"}
				}
			}
		},
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["field", "operator", "value"],
				"properties": {
					"field": {"type": "string"},
					"operator": {"type": "string", "enum": [">", ">=", "<", "<=", "=", "between"]},
					"value": {"type": "number"},
					"value2": {"type": "number"}
				}
			}
		},
		"group_by": {"type": "array", "items": {"type": "string"}},
		"time_range": {
			"type": "object",
			"required": ["start_date", "end_date"],
			"properties": {
				"start_date": {"type": "string"},
				"end_date": {"type": "string"}
			}
		},
		"parameters": {"type": "object"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

const extractionInstruction = "Extract the analysis intent from the user's question " +
	"about a patient dataset. Respond with a single JSON object matching the " +
	"intent schema. Use only field names from the provided schema hint."

// ExtractionConfig holds settings for the semantic-extraction client.
type ExtractionConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// ExtractionClient calls the semantic-extraction collaborator. Its JSON
// payload is never trusted: it is schema-validated here and field-validated
// against the registry by the parser.
type ExtractionClient struct {
	config *ExtractionConfig
	client *http.Client
	schema *gojsonschema.Schema
	logger logger.Logger
}

func NewExtractionClient(config *ExtractionConfig, log logger.Logger) (*ExtractionClient, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &ExtractionClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		schema: schema,
		logger: log.WithFields(map[string]interface{}{"component": "extraction"}),
	}, nil
}

// Extract sends the query plus a schema hint and returns the validated raw
// intent payload. Timeout and transport failures map to UPSTREAM_ERROR,
// malformed payloads to PARSE_ERROR.
func (c *ExtractionClient) Extract(ctx context.Context, query string, schemaHint []string) (*QueryIntent, error) {
	requestBody := map[string]interface{}{
		"instruction": extractionInstruction,
		"query":       query,
		"schema":      schemaHint,
	}
	body, _ := json.Marshal(requestBody)

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ErrExtractionUnavailable
			}
		}

		// A fresh request per attempt: the body reader is consumed by Do.
		req, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+"/api/ai/extract-intent", bytes.NewBuffer(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionInvalid, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, lastErr = c.client.Do(req)

		// If the context expired during the request, report upstream
		// unavailability immediately instead of burning retries.
		if ctx.Err() != nil ||
			errors.Is(lastErr, context.DeadlineExceeded) ||
			errors.Is(lastErr, context.Canceled) {
			return nil, ErrExtractionUnavailable
		}

		if lastErr == nil {
			if resp.StatusCode == http.StatusOK {
				break
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			resp = nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionUnavailable, lastErr)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no successful response after retries", ErrExtractionUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrExtractionUnavailable, err)
	}

	return c.decode(raw)
}

// decode strips markdown fences the model sometimes wraps around the JSON,
// validates against the payload schema, then unmarshals.
func (c *ExtractionClient) decode(raw []byte) (*QueryIntent, error) {
	cleaned := strings.TrimSpace(string(raw))
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	result, err := c.schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrExtractionInvalid, strings.Join(msgs, "; "))
	}

	var qi QueryIntent
	if err := json.Unmarshal([]byte(cleaned), &qi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionInvalid, err)
	}

	c.logger.Debug("extraction payload accepted", map[string]interface{}{
		"analysisType": qi.AnalysisType,
		"targetField":  qi.TargetField,
		"confidence":   qi.Confidence,
	})

	return &qi, nil
}
