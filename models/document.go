package models

import (
	"path/filepath"
	"strings"
)

// Format is the declared document format, inferred from the filename extension
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatImage Format = "image"
	FormatText  Format = "text"
)

// FormatFromFilename maps an extension to a Format. Anything unrecognized is
// treated as plain text.
func FormatFromFilename(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".png", ".jpg", ".jpeg":
		return FormatImage
	default:
		return FormatText
	}
}

// Document is one uploaded file for the duration of a single pipeline run.
// JobID names the scratch directory and archive entry of the run.
type Document struct {
	JobID      string      `json:"job_id"`
	Filename   string      `json:"filename"`
	Path       string      `json:"path"`
	Format     Format      `json:"format"`
	Data       []byte      `json:"-"`
	Extraction *Extraction `json:"-"` // nil until extraction completes
}

// Extraction is the text content returned by the document extractor
type Extraction struct {
	Text  string
	Pages []PageText
}

// PageText holds the lines of one page in reading order
type PageText struct {
	Number int
	Lines  []string
}

// TextChunk is a contiguous slice of the extracted text. Offset is measured in
// runes from the start of the text.
type TextChunk struct {
	Index  int
	Offset int
	Text   string
}

// PiiEntity is one span reported by the detection service for a chunk
type PiiEntity struct {
	Text  string  `json:"-"`
	Kind  string  `json:"kind"`
	Chunk int     `json:"chunk"`
	Score float64 `json:"score,omitempty"`
}

// RedactedText is the document text with every detected entity replaced by the
// placeholder. Entities is kept for strategies that must locate the original
// spans (PDF).
type RedactedText struct {
	Text       string
	Entities   []PiiEntity
	ChunkCount int
}

// KindCounts returns the number of detected entities per kind
func (r *RedactedText) KindCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range r.Entities {
		counts[e.Kind]++
	}
	return counts
}

// RedactionRect is a page-local bounding box in PDF user space
type RedactionRect struct {
	Page int
	LLX  float64
	LLY  float64
	URX  float64
	URY  float64
}

// Intersects reports whether two rectangles overlap
func (r RedactionRect) Intersects(o RedactionRect) bool {
	return r.LLX < o.URX && o.LLX < r.URX && r.LLY < o.URY && o.LLY < r.URY
}

// RedactedArtifact is the final output file handed to archival
type RedactedArtifact struct {
	Filename    string
	Path        string
	ContentType string
	Data        []byte
	Rects       []RedactionRect
}
