package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pii-redactor/models"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const piiPrompt = `You are a PII detection service. List every span of personally identifiable
information in the text below: person names, email addresses, phone numbers,
postal addresses, government identifiers, account and card numbers, IP addresses
and dates of birth. Copy each span exactly as it appears in the text, one entry
per distinct span. Respond with an empty array when there is none.

Text:
`

// GeminiDetector asks a Gemini model for PII spans in JSON mode
type GeminiDetector struct {
	client *genai.Client
	model  string
	guard  *CallGuard
}

type geminiEntity struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

func NewGeminiDetector(ctx context.Context, apiKey, model string, guard *CallGuard) (*GeminiDetector, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiDetector{client: client, model: model, guard: guard}, nil
}

func (d *GeminiDetector) Name() string { return "gemini" }

// Close releases the underlying client
func (d *GeminiDetector) Close() error {
	return d.client.Close()
}

func (d *GeminiDetector) Detect(ctx context.Context, chunk models.TextChunk) ([]models.PiiEntity, error) {
	ctx, span := otel.Tracer("gemini-detector").Start(ctx, "gemini.detect_pii")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", d.model),
		attribute.Int("chunk.index", chunk.Index),
	)

	model := d.client.GenerativeModel(d.model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"text": {Type: genai.TypeString},
				"kind": {Type: genai.TypeString},
			},
			Required: []string{"text", "kind"},
		},
	}

	var resp *genai.GenerateContentResponse
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = model.GenerateContent(ctx, genai.Text(piiPrompt+chunk.Text))
		return classifyGeminiError(err)
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, fmt.Errorf("gemini: %w", err)
	}

	found, err := parseGeminiEntities(resp)
	if err != nil {
		return nil, err
	}

	entities := make([]models.PiiEntity, 0, len(found))
	for _, e := range found {
		// The model may paraphrase; only literal spans can be redacted.
		if e.Text == "" || !strings.Contains(chunk.Text, e.Text) {
			continue
		}
		entities = append(entities, models.PiiEntity{Text: e.Text, Kind: e.Kind, Chunk: chunk.Index})
	}
	span.SetAttributes(attribute.Int("gemini.entities", len(entities)))
	return entities, nil
}

func classifyGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && retryableStatus(apiErr.Code) {
		return Retryable(err)
	}
	return err
}

func parseGeminiEntities(resp *genai.GenerateContentResponse) ([]geminiEntity, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: empty response")
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			raw.WriteString(string(text))
		}
	}

	var entities []geminiEntity
	if err := json.Unmarshal([]byte(raw.String()), &entities); err != nil {
		return nil, fmt.Errorf("gemini: decode entities: %w", err)
	}
	return entities, nil
}
