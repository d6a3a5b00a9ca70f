package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/procrastinate-go/internal/api/handler"
)

// Options holds router settings outside the handler dependencies
type Options struct {
	RateLimit RateLimit
	Gatherer  prometheus.Gatherer
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", jobHandler.Health)

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Defer a job
			if opts.RateLimit.Enabled() {
				jobs.POST("", RateLimitMiddleware(opts.RateLimit), jobHandler.DeferJob)
			} else {
				jobs.POST("", jobHandler.DeferJob)
			}

			// GET /api/v1/jobs/stalled - Jobs running for too long
			jobs.GET("/stalled", jobHandler.GetStalledJobs)

			// DELETE /api/v1/jobs/old - Purge finished jobs
			jobs.DELETE("/old", jobHandler.DeleteOldJobs)
		}
	}

	return r
}
