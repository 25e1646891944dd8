package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"pii-redactor/models"
	"pii-redactor/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSArchive stores artifacts in a MongoDB GridFS bucket
type GridFSArchive struct {
	db     *mongo.Database
	bucket string
	guard  *CallGuard
}

func NewGridFSArchive(db *mongo.Database, bucket string, guard *CallGuard) *GridFSArchive {
	return &GridFSArchive{db: db, bucket: bucket, guard: guard}
}

func (a *GridFSArchive) Name() string { return "gridfs" }

func (a *GridFSArchive) Store(ctx context.Context, key string, artifact *models.RedactedArtifact) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		err := a.upload(ctx, key, artifact)
		if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
			return Retryable(err)
		}
		return err
	})
}

func (a *GridFSArchive) upload(ctx context.Context, key string, artifact *models.RedactedArtifact) error {
	// Deadlines are per bucket, so each upload gets its own handle.
	bucket, err := gridfs.NewBucket(a.db, options.GridFSBucket().SetName(a.bucket))
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Minute)
	}
	if err := bucket.SetWriteDeadline(deadline); err != nil {
		return err
	}

	opts := options.GridFSUpload().SetMetadata(bson.M{
		"job_id":       key,
		"content_type": artifact.ContentType,
		"rects":        len(artifact.Rects),
		"sha256":       utils.ContentDigest(artifact.Data),
	})
	if _, err := bucket.UploadFromStream(artifact.Filename, bytes.NewReader(artifact.Data), opts); err != nil {
		return fmt.Errorf("gridfs upload failed: %w", err)
	}
	return nil
}
