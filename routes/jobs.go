package routes

import (
	"errors"
	"net/http"
	"strconv"

	"pii-redactor/internal/logger"
	"pii-redactor/services"
	"pii-redactor/utils"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func SetupJobRoutes(router *gin.Engine, jobs services.JobStore, exporter *services.ExportService) {
	group := router.Group("/jobs")
	group.GET("", ListJobs(jobs))
	group.GET("/export", ExportJobs(exporter))
	group.GET("/:id", GetJob(jobs))
}

// GetJob returns the state of one redaction job
func GetJob(jobs services.JobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		job, err := jobs.Get(ctx, c.Param("id"))
		if errors.Is(err, services.ErrJobNotFound) {
			utils.RespondWithNotFound(c, "Job not found")
			return
		}
		if err != nil {
			logger.Error("Failed to load job", "job_id", c.Param("id"), "error", err)
			utils.RespondWithInternalError(c, "Failed to retrieve job")
			return
		}

		c.JSON(http.StatusOK, job)
	}
}

// ListJobs lists jobs newest first with page/limit pagination
func ListJobs(jobs services.JobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := 1
		limit := 20
		if p, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && p > 0 {
			page = p
		}
		if l, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && l > 0 && l <= 100 {
			limit = l
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		list, total, err := jobs.List(ctx, int64(limit), int64((page-1)*limit))
		if err != nil {
			logger.Error("Failed to list jobs", "error", err)
			utils.RespondWithInternalError(c, "Failed to retrieve jobs")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobs": list,
			"pagination": gin.H{
				"page":        page,
				"limit":       limit,
				"total":       total,
				"total_pages": (total + int64(limit) - 1) / int64(limit),
			},
		})
	}
}

// ExportJobs downloads the job audit trail as an XLSX workbook
func ExportJobs(exporter *services.ExportService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		export, err := exporter.ExportJobs(ctx)
		if err != nil {
			logger.Error("Failed to export jobs", "error", err)
			utils.RespondWithInternalError(c, "Failed to export jobs")
			return
		}

		c.Header("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
		c.Header("X-Record-Count", strconv.Itoa(export.RecordCount))
		c.Data(http.StatusOK, xlsxContentType, export.Data)
	}
}
