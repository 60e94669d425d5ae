package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/queue"
	"github.com/suPer8Hu/colorific/internal/worker"
)

const (
	actionProcessQueue  = "process-queue"
	actionProcessSingle = "process-single"
)

type workerReq struct {
	JobID  string `json:"jobId"`
	Action string `json:"action" binding:"required,oneof=process-queue process-single"`
}

func (h *Handler) WorkerHealth(c *gin.Context) {
	common.OK(c, gin.H{"status": "healthy", "worker": "ready"})
}

func (h *Handler) WorkerTrigger(c *gin.Context) {
	var req workerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailValidation(c, validationDetails(err))
		return
	}

	switch req.Action {
	case actionProcessSingle:
		if req.JobID == "" {
			common.FailValidation(c, []common.FieldError{{Field: "jobId", Message: "is required"}})
			return
		}
		h.processSingle(c, req.JobID)
	case actionProcessQueue:
		h.processQueue(c)
	}
}

func (h *Handler) processSingle(c *gin.Context, jobID string) {
	e, outcome, err := h.Dispatcher.ProcessSingleJob(detached(c), jobID)
	switch {
	case err == nil:
		common.OK(c, gin.H{
			"success":    outcome != worker.OutcomeError,
			"queueJobId": e.ID,
			"status":     outcome,
		})
	case errors.Is(err, queue.ErrNotFound):
		common.Fail(c, http.StatusNotFound, "No queue entry for job")
	case errors.Is(err, queue.ErrAlreadyProcessing), errors.Is(err, queue.ErrActiveEntryExists):
		common.Fail(c, http.StatusConflict, "Job is already being processed")
	default:
		internalError(c, "WorkerTrigger", err)
	}
}

func (h *Handler) processQueue(c *gin.Context) {
	sum, err := h.Dispatcher.ProcessQueue(detached(c))
	if err != nil {
		internalError(c, "ProcessQueue", err)
		return
	}
	common.OK(c, summaryBody(sum))
}

func summaryBody(sum worker.Summary) gin.H {
	return gin.H{
		"success":   true,
		"processed": sum.Processed,
		"succeeded": sum.Succeeded,
		"retried":   sum.Retried,
		"failed":    sum.Failed,
		"released":  sum.Released,
	}
}

// detached keeps a batch running when the trigger's caller hangs up; the
// dispatcher's time budget bounds it instead.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// CronProcessQueue is the scheduled trigger; GET and POST behave the same.
func (h *Handler) CronProcessQueue(c *gin.Context) {
	h.processQueue(c)
}
