package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pii-redactor/models"
	"pii-redactor/utils"

	"github.com/google/uuid"
)

// ErrEmptyFilename is returned when an upload name sanitizes to nothing
var ErrEmptyFilename = errors.New("filename is empty after sanitizing")

// Workspace is the scratch directory holding uploaded originals and their
// redacted outputs. Every upload gets its own <dir>/<job id>/ directory so
// equal filenames from concurrent requests never collide. Files are retained.
type Workspace struct {
	dir     string
	maxSize int64
}

func NewWorkspace(dir string, maxSize int64) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Workspace{dir: dir, maxSize: maxSize}, nil
}

// Save sanitizes filename, stores the upload under a fresh job id and returns
// the document ready for the pipeline.
func (w *Workspace) Save(filename string, r io.Reader) (*models.Document, error) {
	name := utils.SecureFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("%w: %w", ErrInput, ErrEmptyFilename)
	}

	jobID := uuid.NewString()
	dir := filepath.Join(w.dir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, name)
	data, err := w.write(path, r)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &models.Document{
		JobID:    jobID,
		Filename: name,
		Path:     path,
		Format:   models.FormatFromFilename(name),
		Data:     data,
	}, nil
}

func (w *Workspace) write(path string, r io.Reader) ([]byte, error) {
	src := r
	if w.maxSize > 0 {
		src = io.LimitReader(r, w.maxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if w.maxSize > 0 && int64(len(data)) > w.maxSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInput, w.maxSize)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	return data, nil
}

// Load reopens a saved upload, used by the worker for queued jobs
func (w *Workspace) Load(jobID, filename string) (*models.Document, error) {
	name := utils.SecureFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("%w: invalid upload reference", ErrInput)
	}
	// Job IDs are issued by Save; anything else could name a path
	if id, err := uuid.Parse(jobID); err != nil || id.String() != jobID {
		return nil, fmt.Errorf("%w: invalid job id", ErrInput)
	}

	path := filepath.Join(w.dir, jobID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	return &models.Document{
		JobID:    jobID,
		Filename: name,
		Path:     path,
		Format:   models.FormatFromFilename(name),
		Data:     data,
	}, nil
}

// WriteArtifact stores the redacted output next to its original
func (w *Workspace) WriteArtifact(doc *models.Document, artifact *models.RedactedArtifact) error {
	path := filepath.Join(w.dir, doc.JobID, filepath.Base(artifact.Filename))
	if err := os.WriteFile(path, artifact.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write redacted file: %w", err)
	}
	artifact.Path = path
	return nil
}
