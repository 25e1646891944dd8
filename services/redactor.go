package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"pii-redactor/internal/logger"
	"pii-redactor/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Redactor replaces detected PII in extracted text with a placeholder, one
// chunk at a time. Detection failure on any chunk fails the whole text.
type Redactor struct {
	chunker     *TextChunker
	detector    PiiDetector
	placeholder string
}

func NewRedactor(chunker *TextChunker, detector PiiDetector, placeholder string) *Redactor {
	return &Redactor{
		chunker:     chunker,
		detector:    detector,
		placeholder: placeholder,
	}
}

// Placeholder returns the marker substituted for each entity
func (r *Redactor) Placeholder() string {
	return r.placeholder
}

// Redact runs detection over every chunk of text and returns the redacted
// text. Entities are matched only inside the chunk they were reported for.
func (r *Redactor) Redact(ctx context.Context, text string) (*models.RedactedText, error) {
	ctx, span := otel.Tracer("redactor").Start(ctx, "redactor.redact")
	defer span.End()

	var out strings.Builder
	out.Grow(len(text))
	result := &models.RedactedText{}

	for chunk := range r.chunker.Chunks(text) {
		entities, err := r.detector.Detect(ctx, chunk)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrDetection, chunk.Index, err)
		}

		entities = orderEntities(entities, r.placeholder)
		out.WriteString(replaceEntities(chunk.Text, entities, r.placeholder))

		result.Entities = append(result.Entities, entities...)
		result.ChunkCount++

		logger.Debug("Chunk redacted", "chunk", chunk.Index, "runes", utf8.RuneCountInString(chunk.Text), "entities", len(entities))
	}

	result.Text = out.String()
	span.SetAttributes(
		attribute.Int("redactor.chunks", result.ChunkCount),
		attribute.Int("redactor.entities", len(result.Entities)),
	)
	return result, nil
}

// orderEntities drops empty, duplicate and placeholder-equal entities and
// sorts the rest longest first (ties by text) so the outcome does not depend
// on the order the detector reported them in.
func orderEntities(entities []models.PiiEntity, placeholder string) []models.PiiEntity {
	seen := make(map[string]bool, len(entities))
	out := make([]models.PiiEntity, 0, len(entities))
	for _, e := range entities {
		if e.Text == "" || e.Text == placeholder || seen[e.Text] {
			continue
		}
		seen[e.Text] = true
		out = append(out, e)
	}

	slices.SortFunc(out, func(a, b models.PiiEntity) int {
		if c := cmp.Compare(utf8.RuneCountInString(b.Text), utf8.RuneCountInString(a.Text)); c != 0 {
			return c
		}
		return strings.Compare(a.Text, b.Text)
	})
	return out
}

// replaceEntities substitutes every literal occurrence of each entity in one
// left-to-right pass. At each position the first matching entity in order
// wins; placeholders already present in the text are left untouched.
func replaceEntities(text string, entities []models.PiiEntity, placeholder string) string {
	if len(entities) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(entities)+2)
	pairs = append(pairs, placeholder, placeholder)
	for _, e := range entities {
		pairs = append(pairs, e.Text, placeholder)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
