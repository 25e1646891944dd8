package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pii-redactor/models"
)

// Archiver hands a finished artifact to durable storage. key scopes the
// artifact to one pipeline run so equal filenames never overwrite each other.
type Archiver interface {
	Store(ctx context.Context, key string, artifact *models.RedactedArtifact) error
	Name() string
}

// FilesystemArchive stores artifacts under <dir>/<key>/<filename>
type FilesystemArchive struct {
	dir string
}

func NewFilesystemArchive(dir string) (*FilesystemArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FilesystemArchive{dir: dir}, nil
}

func (a *FilesystemArchive) Name() string { return "filesystem" }

// Store writes the artifact through a temporary file so a failed write never
// leaves a partial artifact under the final name.
func (a *FilesystemArchive) Store(ctx context.Context, key string, artifact *models.RedactedArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(a.dir, filepath.Base(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}

	final := filepath.Join(dir, filepath.Base(artifact.Filename))
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("artifact %s already archived", final)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(artifact.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}
