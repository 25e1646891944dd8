package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/telemetry"

	"go.mongodb.org/mongo-driver/mongo"
)

// Collaborators are the external-service adapters built once per process
// from configuration and shared by every pipeline run.
type Collaborators struct {
	Detector  PiiDetector
	Extractor DocumentExtractor
	Archiver  Archiver
	Analysis  *AnalysisClient // nil with the local extractor

	closers []func() error
}

// NewCollaborators builds the detector, extractor and archive selected in cfg.
// db may be nil unless the gridfs archive is configured.
func NewCollaborators(ctx context.Context, cfg *config.Config, db *mongo.Database, metrics *telemetry.Metrics) (*Collaborators, error) {
	c := &Collaborators{}

	switch cfg.DetectorProvider {
	case "ner":
		c.Detector = NewNERDetector(cfg.NERServiceURL, NewCallGuard("ner-service", cfg, metrics))
	case "gemini":
		gemini, err := NewGeminiDetector(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, NewCallGuard("gemini", cfg, metrics))
		if err != nil {
			return nil, err
		}
		c.Detector = gemini
		c.closers = append(c.closers, gemini.Close)
	case "regex":
		c.Detector = NewRegexDetector()
	default:
		return nil, fmt.Errorf("unknown detector provider %q", cfg.DetectorProvider)
	}

	switch cfg.ExtractorProvider {
	case "service":
		c.Analysis = NewAnalysisClient(cfg, NewCallGuard("analysis-service", cfg, metrics))
		c.Extractor = NewFormatExtractor(c.Analysis)
	case "local":
		c.Extractor = NewFormatExtractor(NewLocalExtractor())
	default:
		c.Close()
		return nil, fmt.Errorf("unknown extractor provider %q", cfg.ExtractorProvider)
	}

	switch cfg.ArchiveBackend {
	case "gridfs":
		if db == nil {
			c.Close()
			return nil, errors.New("gridfs archive requires a MongoDB connection")
		}
		c.Archiver = NewGridFSArchive(db, cfg.ArchiveBucket, NewCallGuard("gridfs", cfg, metrics))
	case "filesystem":
		fs, err := NewFilesystemArchive(cfg.ArchiveDir)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Archiver = fs
	default:
		c.Close()
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}

	return c, nil
}

// NewPipelineFromConfig assembles the pipeline around shared collaborators
func NewPipelineFromConfig(cfg *config.Config, c *Collaborators, workspace *Workspace, jobs JobRecorder, metrics *telemetry.Metrics) *Pipeline {
	redactor := NewRedactor(NewTextChunker(cfg.ChunkSize, cfg.ChunkStrategy), c.Detector, cfg.Placeholder)
	renderer := NewDocumentRenderer(NewPDFRenderer())
	return NewPipeline(c.Extractor, redactor, renderer, c.Archiver, workspace, jobs, metrics)
}

// ReadinessChecks returns probes for the collaborators that expose one
func (c *Collaborators) ReadinessChecks() map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if c.Analysis != nil {
		checks["analysis_service"] = func(ctx context.Context) error {
			ok, err := c.Analysis.IsHealthy(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("analysis service reports unhealthy")
			}
			return nil
		}
	}
	return checks
}

func (c *Collaborators) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
}

// JobStaleAfter is the configured stale window for the job reaper
func JobStaleAfter(cfg *config.Config) time.Duration {
	return time.Duration(cfg.JobStaleAfter) * time.Minute
}
