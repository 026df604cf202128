package mapping

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

const geminiSystemPrompt = `You map structured immigration case data onto a live web form.
You receive JSON with formCode, fieldSchema, formData and a DOM snapshot whose "fields"
list every fillable control (locator, tag, inputType, label, options).
Answer with a JSON object {"mappings": [...]} and nothing else. Each mapping has:
  locator      one locator copied verbatim from snapshot.fields
  value        the semantic value from formData
  displayValue the option label to pick for select/radio fields, when known
  fieldPath    the dotted formData path the value came from
  label        the field's human label
  kind         one of text, date, select, radio, checkbox, click-element, click-sequence
  confidence   0..1, how sure you are the locator and value belong together
Only propose fields present in both formData and the snapshot. Keep snapshot order.`

// Gemini maps fields with a Gemini model instead of the hosted service. It is meant for
// development against sites the service does not know yet.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
	logger      *zap.Logger
}

// NewGemini creates a Gemini mapper from cfg.Gemini.
func NewGemini(ctx context.Context, cfg config.MappingConfig, logger *zap.Logger) (*Gemini, error) {
	return newGemini(ctx, cfg, nil, logger)
}

func newGemini(ctx context.Context, cfg config.MappingConfig, httpOpts *genai.HTTPOptions, logger *zap.Logger) (*Gemini, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.Gemini.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{},
	}
	if httpOpts != nil {
		cc.HTTPOptions = *httpOpts
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Gemini.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gemini{
		client:      client,
		model:       model,
		temperature: cfg.Gemini.Temperature,
		timeout:     timeout,
		logger:      logger.Named("mapping.gemini"),
	}, nil
}

// Map implements Mapper. Transient model failures are retried with backoff inside the
// call timeout.
func (g *Gemini) Map(ctx context.Context, payload *schemas.AutofillPayload, snapshot *schemas.DOMSnapshot) ([]schemas.FieldMapping, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: snapshot is required", schemas.ErrInvalidPayload)
	}
	input, err := json.Marshal(Request(payload, snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(g.temperature),
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(geminiSystemPrompt, genai.RoleUser),
	}
	contents := []*genai.Content{genai.NewContentFromText(string(input), genai.RoleUser)}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second

	var mappings []schemas.FieldMapping
	operation := func() error {
		start := time.Now()
		resp, err := g.client.Models.GenerateContent(callCtx, g.model, contents, cfg)
		if err != nil {
			g.logger.Warn("Gemini request failed, retrying...", zap.Error(err))
			return fmt.Errorf("gemini generate failed: %w", err)
		}
		text := resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("%w: gemini returned no content", ErrMappingMalformed))
		}
		parsed, err := parseModelMappings(text)
		if err != nil {
			return backoff.Permanent(err)
		}
		g.logger.Info("Mapping generated (Gemini).",
			zap.String("model", g.model),
			zap.Int("mappings", len(parsed)),
			zap.Duration("duration", time.Since(start)),
		)
		mappings = parsed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, callCtx)); err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrMappingTimeout, g.timeout)
		}
		return nil, err
	}
	return mappings, nil
}
