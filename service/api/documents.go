package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabhub/logger"
	"collabhub/middleware"
	"collabhub/service/queue"
	"collabhub/tools/errs"
)

type updateRequest struct {
	Title    *string           `json:"title"`
	Body     *string           `json:"body"`
	Metadata map[string]string `json:"metadata"`
}

// updateDocument is the durable write intake. It authorizes synchronously,
// short-circuits writes that match the cached content, and enqueues the
// rest; the worker applies them later.
func (d Deps) updateDocument(c *gin.Context) {
	principalID, _, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	docID := c.Param("id")

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if req.Title == nil && req.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if err := d.Gateway.CanEdit(c.Request.Context(), principalID, docID); err != nil {
		abortWithError(c, err)
		return
	}

	if !d.hasChanged(c, docID, &req) {
		c.JSON(http.StatusOK, gin.H{
			"jobId":  nil,
			"status": "skipped",
			"reason": "no_changes",
		})
		return
	}

	jobID, err := d.Queue.Enqueue(c.Request.Context(), queue.UpdatePayload{
		DocumentID:  docID,
		PrincipalID: principalID,
		Updates:     queue.UpdateFields{Title: req.Title, Body: req.Body},
		Metadata:    req.Metadata,
	})
	if err != nil {
		logger.Errorf("[api] enqueue doc=%s: %v", docID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": "queued"})
}

func (d Deps) hasChanged(c *gin.Context, docID string, req *updateRequest) bool {
	ctx := c.Request.Context()
	if req.Body != nil {
		return d.Cache.HasChanged(ctx, docID, *req.Body, req.Title).Changed
	}
	// title-only update: compare against the snapshot directly
	snap, err := d.Cache.Get(ctx, docID)
	if err != nil || snap == nil {
		return true
	}
	return *req.Title != snap.Title
}

// getDocument reads through the content cache: a hit skips the database, a
// miss loads and backfills.
func (d Deps) getDocument(c *gin.Context) {
	principalID, _, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	docID := c.Param("id")
	ctx := c.Request.Context()

	// authorization always hits the database; only content is cached
	if err := d.Gateway.CanEdit(ctx, principalID, docID); err != nil {
		abortWithError(c, err)
		return
	}

	if snap, err := d.Cache.Get(ctx, docID); err == nil && snap != nil {
		c.JSON(http.StatusOK, gin.H{
			"id":      docID,
			"title":   snap.Title,
			"body":    snap.Body,
			"version": snap.Version,
			"cached":  true,
		})
		return
	}

	doc, err := d.Gateway.GetVisible(ctx, docID, principalID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := d.Cache.Put(ctx, docID, doc.Body, doc.Title); err != nil {
		logger.Warnf("[api] cache backfill doc=%s: %v", docID, err)
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     doc.ID,
		"title":  doc.Title,
		"body":   doc.Body,
		"cached": false,
	})
}

// getPresence lists the live sessions of a document.
func (d Deps) getPresence(c *gin.Context) {
	principalID, _, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	docID := c.Param("id")
	ctx := c.Request.Context()

	if err := d.Gateway.CanEdit(ctx, principalID, docID); err != nil {
		abortWithError(c, err)
		return
	}
	sessions, err := d.Presence.ListSessions(ctx, docID)
	if err != nil {
		logger.Errorf("[api] presence doc=%s: %v", docID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	users := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, gin.H{
			"principalId": s.PrincipalID,
			"displayName": s.DisplayName,
			"lastActive":  s.LastActive,
			"cursor":      s.Cursor,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "users": users})
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errs.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errs.IsAccessDenied(err):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	default:
		logger.Errorf("[api] %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}
