package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
	"github.com/suPer8Hu/colorific/internal/queue"
)

type listQueueQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending processing completed failed retrying"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// ListQueue serves the dashboard: a page of the caller's entries with their
// jobs and per-status counts.
func (h *Handler) ListQueue(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Unauthorized(c)
		return
	}

	var q listQueueQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		common.FailValidation(c, validationDetails(err))
		return
	}

	ov, err := h.QueueSvc.Overview(c.Request.Context(), uid, queue.ListOptions{
		Status: queue.EntryStatus(q.Status),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		internalError(c, "ListQueue", err)
		return
	}
	common.OK(c, ov)
}

type queueActionReq struct {
	QueueJobID string `json:"queueJobId" binding:"required"`
	Action     string `json:"action" binding:"required,oneof=retry"`
}

func (h *Handler) QueueAction(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Unauthorized(c)
		return
	}

	var req queueActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailValidation(c, validationDetails(err))
		return
	}

	err := h.QueueSvc.Retry(c.Request.Context(), uid, req.QueueJobID)
	switch {
	case err == nil:
		common.OK(c, gin.H{"success": true, "message": "Job queued for retry"})
	case errors.Is(err, queue.ErrRetryRejected):
		// same answer for unknown, foreign and non-retryable entries
		common.Fail(c, http.StatusBadRequest, "Failed to retry job")
	default:
		internalError(c, "QueueAction", err)
	}
}
