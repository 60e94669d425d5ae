package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
	"github.com/suPer8Hu/colorific/internal/queue"
)

type createJobReq struct {
	InputURL   string `json:"inputUrl" binding:"required,url"`
	Prompt     string `json:"prompt" binding:"max=1000"`
	Style      string `json:"style" binding:"max=64"`
	Difficulty string `json:"difficulty" binding:"omitempty,oneof=easy medium hard"`
}

func (h *Handler) CreateJob(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Unauthorized(c)
		return
	}

	var req createJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailValidation(c, validationDetails(err))
		return
	}

	job, entry, err := h.QueueSvc.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		UserID:     uid,
		InputURL:   req.InputURL,
		Prompt:     req.Prompt,
		Style:      req.Style,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		internalError(c, "CreateJob", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"jobId": job.ID, "queueJobId": entry.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Unauthorized(c)
		return
	}

	j, err := h.QueueSvc.GetJob(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, "Job not found")
			return
		}
		internalError(c, "GetJob", err)
		return
	}
	common.OK(c, j)
}
