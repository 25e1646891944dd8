package services

import (
	"context"
	"errors"
	"testing"

	"pii-redactor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const placeholder = "[REDACTED]"

func TestRedactor_PlainTextScenario(t *testing.T) {
	detector := literalDetector(
		models.PiiEntity{Text: "John Smith", Kind: "Person"},
		models.PiiEntity{Text: "john@example.com", Kind: "Email"},
	)
	r := NewRedactor(NewTextChunker(5000, ChunkFixed), detector, placeholder)

	out, err := r.Redact(context.Background(), "Contact John Smith at john@example.com")
	require.NoError(t, err)

	assert.Equal(t, "Contact [REDACTED] at [REDACTED]", out.Text)
	assert.Equal(t, 1, out.ChunkCount)
	assert.Equal(t, map[string]int{"Person": 1, "Email": 1}, out.KindCounts())
}

func TestRedactor_ReplacesEveryOccurrenceInChunk(t *testing.T) {
	detector := &scriptedDetector{fn: func(chunk models.TextChunk) ([]models.PiiEntity, error) {
		// Reported once even though it occurs twice
		return []models.PiiEntity{{Text: "555-0100", Kind: "PhoneNumber", Chunk: chunk.Index}}, nil
	}}
	r := NewRedactor(NewTextChunker(5000, ChunkFixed), detector, placeholder)

	out, err := r.Redact(context.Background(), "call 555-0100 or 555-0100 again")
	require.NoError(t, err)
	assert.Equal(t, "call [REDACTED] or [REDACTED] again", out.Text)
}

func TestRedactor_Idempotent(t *testing.T) {
	r := NewRedactor(NewTextChunker(5000, ChunkFixed), NewRegexDetector(), placeholder)

	first, err := r.Redact(context.Background(), "Mail jane@corp.io or call 415-555-0199")
	require.NoError(t, err)

	second, err := r.Redact(context.Background(), first.Text)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Empty(t, second.Entities)
}

func TestRedactor_IgnoresPlaceholderEntities(t *testing.T) {
	detector := literalDetector(models.PiiEntity{Text: placeholder, Kind: "Misc"}, models.PiiEntity{Text: "REDACTED", Kind: "Misc"})
	r := NewRedactor(NewTextChunker(5000, ChunkFixed), detector, placeholder)

	out, err := r.Redact(context.Background(), "Contact [REDACTED] at [REDACTED]")
	require.NoError(t, err)
	assert.Equal(t, "Contact [REDACTED] at [REDACTED]", out.Text)
}

func TestRedactor_StraddlingEntityIsNotRedacted(t *testing.T) {
	// The first chunk ends inside the address, so neither half matches.
	r := NewRedactor(NewTextChunker(10, ChunkFixed), NewRegexDetector(), placeholder)

	out, err := r.Redact(context.Background(), "Reach me: john@example.com")
	require.NoError(t, err)

	assert.Equal(t, 3, out.ChunkCount)
	assert.Equal(t, "Reach me: john@example.com", out.Text)
	assert.Empty(t, out.Entities)
}

func TestRedactor_OverlappingEntitiesAreOrderIndependent(t *testing.T) {
	long := models.PiiEntity{Text: "John Smith", Kind: "Person"}
	short := models.PiiEntity{Text: "John", Kind: "Person"}

	var results []string
	for _, order := range [][]models.PiiEntity{{short, long}, {long, short}} {
		entities := order
		detector := &scriptedDetector{fn: func(chunk models.TextChunk) ([]models.PiiEntity, error) {
			return entities, nil
		}}
		r := NewRedactor(NewTextChunker(5000, ChunkFixed), detector, placeholder)

		out, err := r.Redact(context.Background(), "John Smith met John")
		require.NoError(t, err)
		results = append(results, out.Text)
	}

	assert.Equal(t, "[REDACTED] met [REDACTED]", results[0])
	assert.Equal(t, results[0], results[1])
}

func TestRedactor_DetectionFailureFailsWholeText(t *testing.T) {
	boom := errors.New("ner service unavailable")
	detector := &scriptedDetector{fn: func(chunk models.TextChunk) ([]models.PiiEntity, error) {
		if chunk.Index == 1 {
			return nil, boom
		}
		return nil, nil
	}}
	r := NewRedactor(NewTextChunker(4, ChunkFixed), detector, placeholder)

	out, err := r.Redact(context.Background(), "aaaabbbbcccc")
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrDetection)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, detector.Calls(), "chunks after the failing one are not sent")
}

func TestOrderEntities(t *testing.T) {
	in := []models.PiiEntity{
		{Text: "Ann"},
		{Text: ""},
		{Text: "Ann Lee"},
		{Text: placeholder},
		{Text: "Bob"},
		{Text: "Ann"},
	}
	out := orderEntities(in, placeholder)

	texts := make([]string, len(out))
	for i, e := range out {
		texts[i] = e.Text
	}
	assert.Equal(t, []string{"Ann Lee", "Ann", "Bob"}, texts)
}
