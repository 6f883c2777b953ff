package api

import (
	"github.com/gin-gonic/gin"

	"collabhub/middleware"
	"collabhub/module/document"
	"collabhub/service/collab"
	"collabhub/service/queue"
	"collabhub/service/storage"
	"collabhub/tools/security"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Gateway  document.Gateway
	Queue    *queue.Queue
	Cache    *storage.ContentCache
	Presence *storage.Presence
	Collab   *collab.Server
	JWT      security.Options
}

// NewRouter builds the gin engine: the websocket endpoint, the document
// intake, and the queue admin surface. Everything except /healthz and the
// websocket dial (which authenticates via its token query parameter) sits
// behind bearer auth.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORS())

	r.GET("/healthz", d.health)
	r.GET("/ws", collab.Handler(d.Collab, d.JWT))

	auth := r.Group("/", middleware.Auth(d.JWT))
	{
		auth.GET("/documents/:id", d.getDocument)
		auth.POST("/documents/:id", d.updateDocument)
		auth.GET("/documents/:id/presence", d.getPresence)

		auth.GET("/queue/stats", d.queueStats)
		auth.GET("/queue/failed", d.failedJobs)
		auth.POST("/queue/failed/:jobId/retry", d.retryFailed)
		auth.DELETE("/queue", d.clearQueue)
	}
	return r
}
