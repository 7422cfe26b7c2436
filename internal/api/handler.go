package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"backer-import/internal/queue"
	"backer-import/internal/service"
	"backer-import/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultFailedJobsLimit = 50

// FailedJobLister lists jobs retained after exhausting their attempts
type FailedJobLister interface {
	Failed(ctx context.Context, limit int) ([]*queue.Job, error)
}

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	uploads    *service.UploadService
	failedJobs FailedJobLister
	checks     map[string]ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. failedJobs may be nil when the process
// has no queue access.
func NewHandler(uploads *service.UploadService, failedJobs FailedJobLister, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		uploads:    uploads,
		failedJobs: failedJobs,
		checks:     checks,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/projects/:projectId/uploads", h.createUpload)
		v1.GET("/uploads/:id", h.getUpload)
		v1.GET("/uploads/:id/chunks", h.listChunks)
		v1.GET("/queue/failed", h.listFailedJobs)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports 503 while any dependency is unreachable
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createUploadRequest struct {
	CSV string `json:"csv" binding:"required"`
}

// createUpload accepts raw CSV text or a JSON body {"csv": "..."}
func (h *Handler) createUpload(c *gin.Context) {
	projectID, err := strconv.ParseInt(c.Param("projectId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid project ID",
		})
		return
	}

	var raw string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req createUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
		raw = req.CSV
	} else {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Failed to read request body",
			})
			return
		}
		raw = string(body)
	}

	resp, err := h.uploads.Submit(c.Request.Context(), projectID, raw, c.GetHeader("Idempotency-Key"))
	if err != nil {
		var failure *service.ValidationFailure
		switch {
		case errors.As(err, &failure):
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   failure.Message,
				"errors":  failure.Errors,
			})
		case errors.Is(err, service.ErrProjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "Project not found",
			})
		case errors.Is(err, service.ErrSubmissionInProgress):
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "Upload with this idempotency key is in progress",
			})
		default:
			h.logger.Error("Failed to create upload", zap.Int64("project_id", projectID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Failed to create upload",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// getUpload returns an upload with its progress
func (h *Handler) getUpload(c *gin.Context) {
	uploadID, ok := uploadIDParam(c)
	if !ok {
		return
	}

	view, err := h.uploads.Status(c.Request.Context(), uploadID)
	if err != nil {
		h.uploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// listChunks returns the chunks of an upload without their row data
func (h *Handler) listChunks(c *gin.Context) {
	uploadID, ok := uploadIDParam(c)
	if !ok {
		return
	}

	chunks, err := h.uploads.Chunks(c.Request.Context(), uploadID)
	if err != nil {
		h.uploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uploadId": uploadID,
		"chunks":   chunks,
	})
}

// listFailedJobs returns retained failed jobs, newest first
func (h *Handler) listFailedJobs(c *gin.Context) {
	if h.failedJobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Queue is not available"})
		return
	}

	limit := defaultFailedJobsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	jobs, err := h.failedJobs.Failed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list failed jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list failed jobs",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) uploadError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrUploadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Upload not found"})
		return
	}
	h.logger.Error("Failed to load upload", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Failed to load upload",
		"details": err.Error(),
	})
}

func uploadIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload ID"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
