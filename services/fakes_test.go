package services

import (
	"context"
	"strings"
	"sync"

	"pii-redactor/models"
)

// scriptedDetector answers each chunk through fn and counts calls
type scriptedDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(chunk models.TextChunk) ([]models.PiiEntity, error)
}

func (d *scriptedDetector) Name() string { return "scripted" }

func (d *scriptedDetector) Detect(ctx context.Context, chunk models.TextChunk) ([]models.PiiEntity, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.fn(chunk)
}

func (d *scriptedDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// literalDetector reports each configured text found in the chunk
func literalDetector(entities ...models.PiiEntity) *scriptedDetector {
	return &scriptedDetector{fn: func(chunk models.TextChunk) ([]models.PiiEntity, error) {
		var out []models.PiiEntity
		for _, e := range entities {
			if e.Text != "" && strings.Contains(chunk.Text, e.Text) {
				e.Chunk = chunk.Index
				out = append(out, e)
			}
		}
		return out, nil
	}}
}

// fixedExtractor returns the same text for every document
type fixedExtractor struct {
	text string
	err  error
}

func (e fixedExtractor) Extract(ctx context.Context, doc *models.Document) (*models.Extraction, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &models.Extraction{Text: e.text, Pages: []models.PageText{{Number: 1, Lines: strings.Split(e.text, "\n")}}}, nil
}

// recordingArchive keeps stored artifacts in memory
type recordingArchive struct {
	mu     sync.Mutex
	stored map[string]*models.RedactedArtifact
	err    error
}

func newRecordingArchive() *recordingArchive {
	return &recordingArchive{stored: make(map[string]*models.RedactedArtifact)}
}

func (a *recordingArchive) Name() string { return "memory" }

func (a *recordingArchive) Store(ctx context.Context, key string, artifact *models.RedactedArtifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.stored[key+"/"+artifact.Filename] = artifact
	return nil
}

func (a *recordingArchive) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stored)
}
