package services

import (
	"context"
	"regexp"

	"pii-redactor/models"
)

// PiiDetector reports the PII entities found in one chunk. Detection sees
// only the chunk, never its neighbours. Implementations must be safe for
// concurrent use.
type PiiDetector interface {
	Detect(ctx context.Context, chunk models.TextChunk) ([]models.PiiEntity, error)
	Name() string
}

// RegexDetector is an offline detector for well-formed identifiers. It is meant
// for development and tests; names and addresses are out of its reach.
type RegexDetector struct {
	patterns []kindPattern
}

type kindPattern struct {
	kind string
	re   *regexp.Regexp
}

// NewRegexDetector creates a detector with the built-in patterns
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{
		patterns: []kindPattern{
			{kind: "Email", re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
			{kind: "USSocialSecurityNumber", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{kind: "CreditCardNumber", re: regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{4}\b`)},
			{kind: "PhoneNumber", re: regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?\(?\b\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)},
			{kind: "IPAddress", re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
		},
	}
}

func (d *RegexDetector) Name() string { return "regex" }

// Detect returns every pattern match in the chunk
func (d *RegexDetector) Detect(ctx context.Context, chunk models.TextChunk) ([]models.PiiEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entities []models.PiiEntity
	for _, p := range d.patterns {
		for _, m := range p.re.FindAllString(chunk.Text, -1) {
			entities = append(entities, models.PiiEntity{
				Text:  m,
				Kind:  p.kind,
				Chunk: chunk.Index,
				Score: 1.0,
			})
		}
	}
	return entities, nil
}
