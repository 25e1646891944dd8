package services

import (
	"context"
	"fmt"

	"pii-redactor/models"
)

// FormatRenderer turns a document and its redacted text into the artifact
// for one format
type FormatRenderer interface {
	Render(ctx context.Context, doc *models.Document, redacted *models.RedactedText) (*models.RedactedArtifact, error)
}

// ArtifactName is the output filename for an uploaded file
func ArtifactName(filename string) string {
	return "redacted_" + filename
}

// DocumentRenderer selects the rendering strategy by document format. Formats
// without a registered strategy are written as plain text.
type DocumentRenderer struct {
	strategies map[models.Format]FormatRenderer
	fallback   FormatRenderer
}

// NewDocumentRenderer creates a renderer with the PDF, image and text strategies
func NewDocumentRenderer(pdf FormatRenderer) *DocumentRenderer {
	text := TextRenderer{}
	return &DocumentRenderer{
		strategies: map[models.Format]FormatRenderer{
			models.FormatPDF:   pdf,
			models.FormatImage: ImageRenderer{},
			models.FormatText:  text,
		},
		fallback: text,
	}
}

// Render produces the redacted artifact for doc
func (r *DocumentRenderer) Render(ctx context.Context, doc *models.Document, redacted *models.RedactedText) (*models.RedactedArtifact, error) {
	strategy, ok := r.strategies[doc.Format]
	if !ok || strategy == nil {
		strategy = r.fallback
	}

	artifact, err := strategy.Render(ctx, doc, redacted)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRender, doc.Format, err)
	}
	return artifact, nil
}

// TextRenderer writes the redacted text as the whole output file
type TextRenderer struct{}

func (TextRenderer) Render(ctx context.Context, doc *models.Document, redacted *models.RedactedText) (*models.RedactedArtifact, error) {
	return &models.RedactedArtifact{
		Filename:    ArtifactName(doc.Filename),
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte(redacted.Text),
	}, nil
}
