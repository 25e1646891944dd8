package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"pii-redactor/models"

	ledpdf "github.com/ledongthuc/pdf"
)

// ErrNoOCR is returned by LocalExtractor for formats that need OCR
var ErrNoOCR = errors.New("no OCR backend configured for images")

// LocalExtractor reads the text embedded in PDFs without calling the analysis
// service. Text drawn by form XObjects and annotations follows the page text.
// Scanned pages without a text layer come back empty.
type LocalExtractor struct{}

func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{}
}

func (e *LocalExtractor) Extract(ctx context.Context, doc *models.Document) (*models.Extraction, error) {
	if doc.Format != models.FormatPDF {
		return nil, fmt.Errorf("%s: %w", doc.Filename, ErrNoOCR)
	}

	r, err := openPDF(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	var text strings.Builder
	extraction := &models.Extraction{}
	for num := 1; num <= r.NumPage(); num++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		glyphs, err := pageGlyphs(r, num)
		if err != nil {
			return nil, fmt.Errorf("failed to read page: %w", err)
		}
		page := models.PageText{Number: num, Lines: groupLines(glyphs)}
		embedded, err := embeddedTexts(r.Page(num))
		if err != nil {
			return nil, fmt.Errorf("failed to read page: %w", err)
		}
		for _, ix := range embedded {
			if line := ix.text(); line != "" {
				page.Lines = append(page.Lines, line)
			}
		}
		for _, line := range page.Lines {
			text.WriteString(line)
			text.WriteByte('\n')
		}
		extraction.Pages = append(extraction.Pages, page)
	}
	extraction.Text = text.String()
	return extraction, nil
}

// groupLines joins glyphs into text rows in content order. A new row starts
// when the baseline moves by more than half the font size; a space is inserted
// where a gap opens between two runs on the same row.
func groupLines(glyphs []ledpdf.Text) []string {
	var lines []string
	var cur strings.Builder
	started := false
	var lastY, lastEnd float64

	for _, g := range glyphs {
		if g.S == "\n" || g.S == "" {
			continue
		}
		size := math.Max(g.FontSize, 1)
		switch {
		case !started:
			started = true
		case math.Abs(g.Y-lastY) > size/2:
			lines = append(lines, strings.TrimRight(cur.String(), " "))
			cur.Reset()
		case g.X-lastEnd > size*0.3:
			s := cur.String()
			if !strings.HasSuffix(s, " ") && g.S != " " {
				cur.WriteByte(' ')
			}
		}
		cur.WriteString(g.S)
		lastY = g.Y
		lastEnd = g.X + g.W
	}
	if started {
		lines = append(lines, strings.TrimRight(cur.String(), " "))
	}
	return lines
}
