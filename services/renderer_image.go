package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	"pii-redactor/models"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay anchor of the top-left corner of the first text line, in pixels
const (
	overlayX = 10
	overlayY = 10
)

// ImageRenderer draws the redacted text over a copy of the image. Pixels are
// not inspected, so PII visible in the picture itself stays visible.
type ImageRenderer struct{}

func (ImageRenderer) Render(ctx context.Context, doc *models.Document, redacted *models.RedactedText) (*models.RedactedArtifact, error) {
	src, format, err := image.Decode(bytes.NewReader(doc.Data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	drawOverlay(canvas, redacted.Text)

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, canvas)
	case "jpeg":
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: 95})
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}

	return &models.RedactedArtifact{
		Filename:    ArtifactName(doc.Filename),
		ContentType: "image/" + format,
		Data:        buf.Bytes(),
	}, nil
}

// drawOverlay writes text line by line in black starting at the overlay anchor
func drawOverlay(dst draw.Image, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	origin := dst.Bounds().Min
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		baseline := origin.Y + overlayY + face.Ascent + i*face.Height
		d.Dot = fixed.P(origin.X+overlayX, baseline)
		d.DrawString(line)
	}
}
