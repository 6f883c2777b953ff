package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabhub/logger"
	"collabhub/tools/errs"
)

// health reports liveness plus the local connection count. It deliberately
// avoids touching redis: a degraded store must not fail the liveness probe.
func (d Deps) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": d.Collab.Conns().Count(),
	})
}

func (d Deps) queueStats(c *gin.Context) {
	stats, err := d.Queue.Stats(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] queue stats: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (d Deps) failedJobs(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	jobs, err := d.Queue.FailedJobs(c.Request.Context(), limit)
	if err != nil {
		logger.Errorf("[api] failed jobs: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (d Deps) retryFailed(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := d.Queue.RetryFailed(c.Request.Context(), jobID); err != nil {
		if errs.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such failed job"})
			return
		}
		logger.Errorf("[api] retry %s: %v", jobID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": "queued"})
}

func (d Deps) clearQueue(c *gin.Context) {
	if err := d.Queue.Clear(c.Request.Context()); err != nil {
		logger.Errorf("[api] clear queue: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
