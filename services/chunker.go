package services

import (
	"iter"
	"slices"
	"unicode"

	"pii-redactor/models"
)

// Chunking strategies
const (
	ChunkFixed    = "fixed"
	ChunkBoundary = "boundary"
)

// TextChunker partitions extracted text into chunks of at most maxSize runes.
// The partition is lossless: concatenating the chunks in order yields the input
// exactly, with no overlap and no gap.
type TextChunker struct {
	maxSize  int
	strategy string
}

// NewTextChunker creates a chunker. Unknown strategies fall back to fixed windows.
func NewTextChunker(maxSize int, strategy string) *TextChunker {
	if maxSize <= 0 {
		maxSize = 5000
	}
	if strategy != ChunkBoundary {
		strategy = ChunkFixed
	}
	return &TextChunker{maxSize: maxSize, strategy: strategy}
}

// MaxSize returns the chunk size limit in runes
func (tc *TextChunker) MaxSize() int {
	return tc.maxSize
}

// Chunks yields the chunks of text in order. The sequence can be ranged over
// any number of times.
func (tc *TextChunker) Chunks(text string) iter.Seq[models.TextChunk] {
	return func(yield func(models.TextChunk) bool) {
		runes := []rune(text)
		start := 0
		for index := 0; start < len(runes); index++ {
			end := tc.cut(runes, start)
			chunk := models.TextChunk{
				Index:  index,
				Offset: start,
				Text:   string(runes[start:end]),
			}
			if !yield(chunk) {
				return
			}
			start = end
		}
	}
}

// Split returns all chunks of text
func (tc *TextChunker) Split(text string) []models.TextChunk {
	return slices.Collect(tc.Chunks(text))
}

// cut returns the exclusive end of the chunk starting at start
func (tc *TextChunker) cut(runes []rune, start int) int {
	end := start + tc.maxSize
	if end >= len(runes) {
		return len(runes)
	}
	if tc.strategy == ChunkFixed {
		return end
	}

	// Prefer the end of a sentence in the second half of the window, then the
	// last whitespace. The separator stays with the chunk it terminates.
	half := start + tc.maxSize/2
	lastSpace := -1
	for i := end - 1; i > start; i-- {
		if !unicode.IsSpace(runes[i]) {
			continue
		}
		if lastSpace < 0 {
			lastSpace = i + 1
		}
		if i >= half && isSentenceEnd(runes[i-1]) {
			return i + 1
		}
	}
	if lastSpace > start {
		return lastSpace
	}
	return end
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}
