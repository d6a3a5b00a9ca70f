package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/procrastinate-go/internal/api/dto"
	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

// DeferJob handles POST /api/v1/jobs
func (h *JobHandler) DeferJob(c *gin.Context) {
	var req dto.DeferJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	job := req.ToJob()
	id, err := h.store.DeferJob(c.Request.Context(), job)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to defer job",
			slog.String("task_name", req.TaskName),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to defer job",
		})
		return
	}

	h.logger.Info("Job deferred",
		slog.Int64("job_id", id),
		slog.String("queue", job.Queue),
		slog.String("task_name", job.TaskName),
	)

	c.JSON(http.StatusCreated, dto.DeferJobResponse{
		ID:     id,
		Queue:  job.Queue,
		Status: string(jobs.StatusTodo),
	})
}

// GetStalledJobs handles GET /api/v1/jobs/stalled
func (h *JobHandler) GetStalledJobs(c *gin.Context) {
	var req dto.StalledJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters: " + err.Error(),
		})
		return
	}

	stalled, err := h.store.GetStalledJobs(c.Request.Context(),
		time.Duration(req.NbSeconds)*time.Second, req.Queue, req.TaskName)
	if err != nil {
		h.logger.Error("Failed to get stalled jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get stalled jobs",
		})
		return
	}

	resp := dto.StalledJobsResponse{Jobs: make([]dto.JobDTO, 0, len(stalled))}
	for i := range stalled {
		resp.Jobs = append(resp.Jobs, dto.FromJob(&stalled[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteOldJobs handles DELETE /api/v1/jobs/old
func (h *JobHandler) DeleteOldJobs(c *gin.Context) {
	var req dto.DeleteOldJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters: " + err.Error(),
		})
		return
	}

	nbHours := *req.NbHours
	deleted, err := h.store.DeleteOldJobs(c.Request.Context(),
		time.Duration(nbHours)*time.Hour, req.Queue, req.IncludeError)
	if err != nil {
		h.logger.Error("Failed to delete old jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete old jobs",
		})
		return
	}

	h.logger.Info("Old jobs deleted",
		slog.Int64("deleted", deleted),
		slog.Int("nb_hours", nbHours),
		slog.Bool("include_error", req.IncludeError),
	)

	c.JSON(http.StatusOK, dto.DeleteOldJobsResponse{Deleted: deleted})
}

// Health handles GET /health. It reports unhealthy when the database is
// unreachable or its enums disagree with the code.
func (h *JobHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Schema:  "ok",
	}

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Error("Database health check failed", slog.String("error", err.Error()))
			resp.Status = "unhealthy"
			resp.Database = "error"
			resp.Schema = "unknown"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}

	if err := h.store.CheckSchema(ctx); err != nil {
		h.logger.Error("Schema check failed", slog.String("error", err.Error()))
		resp.Status = "unhealthy"
		resp.Schema = "error"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	counts, err := h.store.CountJobsByStatus(ctx)
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	resp.Jobs = make(map[string]int64, len(counts))
	for status, n := range counts {
		resp.Jobs[string(status)] = n
	}

	c.JSON(http.StatusOK, resp)
}
