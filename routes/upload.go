package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/logger"
	"pii-redactor/internal/queue"
	"pii-redactor/middleware"
	"pii-redactor/services"
	"pii-redactor/utils"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

const (
	uploadSuccessMessage = "File uploaded and redacted successfully!"
	uploadFailureMessage = "File redaction failed"
	asyncTaskTimeout     = 30 * time.Minute
)

const uploadFormHTML = `<!doctype html>
<html>
<head><title>Upload a document for redaction</title></head>
<body>
<h1>Upload a document for redaction</h1>
<form method="post" action="/upload" enctype="multipart/form-data">
  <input type="file" name="file">
  <input type="submit" value="Upload">
</form>
</body>
</html>
`

// Enqueuer is the part of the asynq client used by the async upload route
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SetupUploadRoutes registers the upload form and the synchronous upload. The
// queued upload is registered only when queueClient is non-nil.
func SetupUploadRoutes(router *gin.Engine, cfg *config.Config, workspace *services.Workspace, pipeline *services.Pipeline, queueClient Enqueuer) {
	router.GET("/", UploadForm())

	upload := router.Group("/upload")
	upload.Use(middleware.RequestSizeLimit(cfg.MaxFileSize))
	upload.POST("", HandleUpload(workspace, pipeline))
	if queueClient != nil {
		upload.POST("/async", HandleAsyncUpload(workspace, pipeline, queueClient))
	}
}

// UploadForm serves the HTML upload form
func UploadForm() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(uploadFormHTML))
	}
}

// HandleUpload redacts the uploaded file before responding. A missing file or
// an empty filename redirects back to the form without running the pipeline.
func HandleUpload(workspace *services.Workspace, pipeline *services.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil || header.Filename == "" {
			c.Redirect(http.StatusFound, "/")
			return
		}

		file, err := header.Open()
		if err != nil {
			logger.Error("Failed to open upload", "request_id", middleware.GetRequestID(c), "error", err)
			c.String(http.StatusInternalServerError, uploadFailureMessage)
			return
		}
		defer file.Close()

		doc, err := workspace.Save(header.Filename, file)
		if errors.Is(err, services.ErrEmptyFilename) {
			c.Redirect(http.StatusFound, "/")
			return
		}
		if err != nil {
			logger.Error("Failed to save upload", "request_id", middleware.GetRequestID(c), "client_ip", utils.GetClientIP(c.Request), "error", err)
			c.String(http.StatusInternalServerError, uploadFailureMessage)
			return
		}

		// The pipeline runs to completion even if the client goes away.
		ctx := context.WithoutCancel(c.Request.Context())
		if _, err := pipeline.Process(ctx, doc); err != nil {
			c.String(http.StatusInternalServerError, uploadFailureMessage)
			return
		}

		c.String(http.StatusOK, uploadSuccessMessage)
	}
}

// HandleAsyncUpload saves the file, records the job and queues it for the
// worker. It answers 202 with the job id to poll.
func HandleAsyncUpload(workspace *services.Workspace, pipeline *services.Pipeline, queueClient Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil || header.Filename == "" {
			utils.RespondWithBadRequest(c, "No file provided", nil)
			return
		}

		file, err := header.Open()
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to read upload")
			return
		}
		defer file.Close()

		doc, err := workspace.Save(header.Filename, file)
		if errors.Is(err, services.ErrInput) {
			utils.RespondWithBadRequest(c, "Invalid upload", gin.H{"reason": err.Error()})
			return
		}
		if err != nil {
			logger.Error("Failed to save upload", "request_id", middleware.GetRequestID(c), "client_ip", utils.GetClientIP(c.Request), "error", err)
			utils.RespondWithInternalError(c, "Failed to save file")
			return
		}

		job, err := pipeline.Submit(c.Request.Context(), doc, true)
		if err != nil {
			logger.Error("Failed to create job", "job_id", doc.JobID, "error", err)
			utils.RespondWithInternalError(c, "Failed to create job")
			return
		}

		task, err := queue.NewRedactTask(job.ID, job.Filename, asyncTaskTimeout)
		if err != nil {
			pipeline.Abort(c.Request.Context(), job.ID, err)
			utils.RespondWithInternalError(c, "Failed to create processing task")
			return
		}

		info, err := queueClient.Enqueue(task)
		if err != nil {
			pipeline.Abort(c.Request.Context(), job.ID, err)
			utils.RespondWithInternalError(c, "Failed to enqueue processing task")
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     job.ID,
			"task_id":    info.ID,
			"status":     job.State,
			"filename":   job.Filename,
			"created_at": job.CreatedAt,
		})
	}
}
